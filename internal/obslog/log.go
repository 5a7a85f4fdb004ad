// Package obslog holds the single structured logger used across dyno's
// packages. It exists so that fatal paths (primitive failure, digest
// mismatch on a marked bucket) and other ambient diagnostics go through
// one consistently-configured sink instead of the standard log package.
package obslog

import (
	"sync"

	"go.uber.org/zap"
)

var (
	once   sync.Once
	logger *zap.Logger
)

// L returns the process-wide logger, building a production zap logger
// on first use.
func L() *zap.Logger {
	once.Do(func() {
		l, err := zap.NewProduction()
		if err != nil {
			l = zap.NewNop()
		}
		logger = l
	})
	return logger
}

// SetLogger overrides the process-wide logger. Tests use this to quiet
// the fatal/error paths or to assert on emitted fields.
func SetLogger(l *zap.Logger) {
	once.Do(func() {})
	logger = l
}
