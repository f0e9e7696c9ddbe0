package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"gridfleet/internal/core"
)

type captureLogger struct {
	msgs []string
}

func (c *captureLogger) Debug(msg string, fields ...interface{}) { c.msgs = append(c.msgs, msg) }
func (c *captureLogger) Info(msg string, fields ...interface{})  { c.msgs = append(c.msgs, msg) }
func (c *captureLogger) Warn(msg string, fields ...interface{})  { c.msgs = append(c.msgs, msg) }
func (c *captureLogger) Error(msg string, fields ...interface{}) { c.msgs = append(c.msgs, msg) }
func (c *captureLogger) Fatal(msg string, fields ...interface{}) { c.msgs = append(c.msgs, msg) }
func (c *captureLogger) WithField(key string, value interface{}) core.ILogger  { return c }
func (c *captureLogger) WithFields(fields map[string]interface{}) core.ILogger { return c }

func TestWithPrefix(t *testing.T) {
	sink := &captureLogger{}
	l := WithPrefix(sink, "BTCUSDT", "abcdef123456", "binance")

	l.Info("tick done")
	l.Warn("price stale")

	assert.Equal(t, "[BTCUSDT][abcdef][binance] tick done", sink.msgs[0])
	assert.Equal(t, "[BTCUSDT][abcdef][binance] price stale", sink.msgs[1])
}

func TestWithPrefix_SurvivesDerivation(t *testing.T) {
	sink := &captureLogger{}
	l := WithPrefix(sink, "ETHUSDT", "", "mock")
	l = l.WithField("component", "engine")

	l.Error("boom")
	assert.Equal(t, "[ETHUSDT][anon][mock] boom", sink.msgs[0])
}

func TestKeyPrefix(t *testing.T) {
	assert.Equal(t, "anon", KeyPrefix(""))
	assert.Equal(t, "ab", KeyPrefix("ab"))
	assert.Equal(t, "abcdef", KeyPrefix("abcdefghij"))
}

func TestZapLogger_Smoke(t *testing.T) {
	logger, err := NewZapLogger("DEBUG")
	if err != nil {
		t.Fatalf("zap logger creation failed: %v", err)
	}
	logger.Info("startup", "version", "test")
	logger.Debug("detail", "n", 3)
	derived := logger.WithField("component", "test")
	derived.Warn("derived logger works")
	_ = logger.Sync()
}
