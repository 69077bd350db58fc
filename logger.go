package webstream

import (
	"sync"

	"go.uber.org/zap"
)

var (
	logger     *zap.Logger
	loggerOnce sync.Once
)

// Logger returns the package's logger instance.
// It uses a no-op logger by default.
func Logger() *zap.Logger {
	loggerOnce.Do(func() {
		if logger == nil {
			logger = zap.NewNop()
		}
	})
	return logger
}

// SetLogger configures the package's logger. The adapters only log on
// best-effort paths, such as teardown errors that are deliberately not
// returned to the caller.
//
// This must be called before any streams are constructed.
func SetLogger(l *zap.Logger) {
	logger = l
}
