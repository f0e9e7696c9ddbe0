package coordinator

import "fmt"

// Key layout of the coordinator store. The names are an external contract:
// the management API reads and writes the same keys, so they never change
// shape without a fleet-wide migration.
const (
	workersActiveKey = "workers:active"

	// anyQueue is drained by every worker; targeted queues by one.
	anyQueue = "tasks:any"
)

func lockKey(strategyID int64) string {
	return fmt.Sprintf("strategy:lock:%d", strategyID)
}

func runningKey(strategyID int64) string {
	return fmt.Sprintf("strategy:running:%d", strategyID)
}

func stopKey(strategyID int64) string {
	return fmt.Sprintf("strategy:stop:%d", strategyID)
}

func queueKey(worker string) string {
	return "tasks:" + worker
}

func livenessKey(worker string) string {
	return "workers:alive:" + worker
}
