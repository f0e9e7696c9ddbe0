package logging

import "gridfleet/internal/core"

// prefixLogger prepends a fixed [symbol][keyPrefix][venue] marker to every
// message so interleaved engine logs stay greppable per strategy.
type prefixLogger struct {
	base   core.ILogger
	prefix string
}

// KeyPrefix shortens an API key for log identification. Empty keys map to
// "anon"; nothing longer than 6 characters ever reaches a log line.
func KeyPrefix(apiKey string) string {
	if apiKey == "" {
		return "anon"
	}
	if len(apiKey) <= 6 {
		return apiKey
	}
	return apiKey[:6]
}

// WithPrefix derives a logger whose every line starts with
// [symbol][keyPrefix][venue].
func WithPrefix(base core.ILogger, symbol, apiKey, venue string) core.ILogger {
	return &prefixLogger{
		base:   base,
		prefix: "[" + symbol + "][" + KeyPrefix(apiKey) + "][" + venue + "] ",
	}
}

func (l *prefixLogger) Debug(msg string, fields ...interface{}) {
	l.base.Debug(l.prefix+msg, fields...)
}

func (l *prefixLogger) Info(msg string, fields ...interface{}) {
	l.base.Info(l.prefix+msg, fields...)
}

func (l *prefixLogger) Warn(msg string, fields ...interface{}) {
	l.base.Warn(l.prefix+msg, fields...)
}

func (l *prefixLogger) Error(msg string, fields ...interface{}) {
	l.base.Error(l.prefix+msg, fields...)
}

func (l *prefixLogger) Fatal(msg string, fields ...interface{}) {
	l.base.Fatal(l.prefix+msg, fields...)
}

func (l *prefixLogger) WithField(key string, value interface{}) core.ILogger {
	return &prefixLogger{base: l.base.WithField(key, value), prefix: l.prefix}
}

func (l *prefixLogger) WithFields(fields map[string]interface{}) core.ILogger {
	return &prefixLogger{base: l.base.WithFields(fields), prefix: l.prefix}
}
