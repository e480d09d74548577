package dumbbell

// logger.go defines the logging surface used by the harness.  The command
// passes github.com/apex/log's log.Log, which satisfies Logger.

// Logger is the logger used by an Experiment.
type Logger interface {
	// Debugf formats and emits a debug message.
	Debugf(format string, v ...any)

	// Debug emits a debug message.
	Debug(message string)

	// Infof formats and emits an informational message.
	Infof(format string, v ...any)

	// Info emits an informational message.
	Info(message string)

	// Warnf formats and emits a warning message.
	Warnf(format string, v ...any)

	// Warn emits a warning message.
	Warn(message string)
}

// NullLogger is a Logger that discards everything.
type NullLogger struct{}

var _ Logger = NullLogger{}

func (NullLogger) Debugf(format string, v ...any) {}
func (NullLogger) Debug(message string)           {}
func (NullLogger) Infof(format string, v ...any)  {}
func (NullLogger) Info(message string)            {}
func (NullLogger) Warnf(format string, v ...any)  {}
func (NullLogger) Warn(message string)            {}
