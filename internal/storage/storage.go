// Package storage provides the append-only trade sinks. A sink must be
// idempotent under duplicate submission: the engine may retry a save after a
// timeout whose first attempt actually landed.
package storage

import (
	"fmt"

	"gridfleet/internal/core"
)

// TradeStore is a closeable trade sink.
type TradeStore interface {
	core.ITradeSink
	Close() error
}

// Open builds the sink selected by driver ("sqlite" or "postgres").
func Open(driver, dsn string, logger core.ILogger) (TradeStore, error) {
	switch driver {
	case "sqlite", "sqlite3":
		return NewSQLiteSink(dsn, logger)
	case "postgres":
		return NewPostgresSink(dsn, logger)
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
}
