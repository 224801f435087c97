// Package debuglog gates hot-path tracing behind VRNODE_DEBUG=1 so the
// recv/send pipelines stay silent in production runs.
package debuglog

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	once    sync.Once
	logger  zerolog.Logger
	isDebug bool
)

func setup() {
	once.Do(func() {
		isDebug = os.Getenv("VRNODE_DEBUG") == "1"
		level := zerolog.InfoLevel
		if isDebug {
			level = zerolog.DebugLevel
		}
		logger = zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	})
}

// Enabled reports whether debug tracing is on.
func Enabled() bool {
	setup()
	return isDebug
}

// Logf always emits at info level.
func Logf(format string, args ...any) {
	setup()
	logger.Info().Msgf(format, args...)
}

// Debugf emits only when VRNODE_DEBUG=1.
func Debugf(format string, args ...any) {
	setup()
	if !isDebug {
		return
	}
	logger.Debug().Msgf(format, args...)
}
