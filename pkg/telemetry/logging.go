package telemetry

import "github.com/pion/logging"

// Logger returns a scoped logger from factory. A nil factory yields a logger
// with every level disabled, so callers never need nil checks.
func Logger(factory logging.LoggerFactory, scope string) logging.LeveledLogger {
	if factory == nil {
		lf := logging.NewDefaultLoggerFactory()
		lf.DefaultLogLevel = logging.LogLevelDisabled
		lf.ScopeLevels = nil
		factory = lf
	}
	return factory.NewLogger(scope)
}
