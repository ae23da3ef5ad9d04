// libav.go forwards libav log messages into the context logger.

package logger

import (
	"context"
	"strings"
	"sync"

	"github.com/asticode/go-astiav"
)

func LevelToAstiav(level Level) astiav.LogLevel {
	switch level {
	case LevelUndefined:
		return astiav.LogLevelQuiet
	case LevelPanic:
		return astiav.LogLevelPanic
	case LevelFatal:
		return astiav.LogLevelFatal
	case LevelError:
		return astiav.LogLevelError
	case LevelWarning:
		return astiav.LogLevelWarning
	case LevelInfo:
		return astiav.LogLevelInfo
	case LevelDebug:
		return astiav.LogLevelVerbose
	case LevelTrace:
		return astiav.LogLevelDebug
	}
	return astiav.LogLevelWarning
}

func LevelFromAstiav(level astiav.LogLevel) Level {
	switch level {
	case astiav.LogLevelQuiet:
		return LevelUndefined
	case astiav.LogLevelFatal:
		return LevelFatal
	case astiav.LogLevelPanic:
		return LevelPanic
	case astiav.LogLevelError:
		return LevelError
	case astiav.LogLevelWarning:
		return LevelWarning
	case astiav.LogLevelInfo:
		return LevelInfo
	case astiav.LogLevelVerbose:
		return LevelDebug
	case astiav.LogLevelDebug:
		return LevelTrace
	}
	return LevelWarning
}

// SetupLibAVLogging redirects libav's own messages into the logger
// carried by ctx, using the same verbosity.
func SetupLibAVLogging(ctx context.Context) {
	l := FromCtx(ctx)
	astiav.SetLogLevel(LevelToAstiav(l.Level()))

	// libav may log from its own threads
	var mu sync.Mutex
	astiav.SetLogCallback(func(c astiav.Classer, level astiav.LogLevel, fmt, msg string) {
		var cs string
		if c != nil {
			if cl := c.Class(); cl != nil {
				cs = " - class: " + cl.String()
			}
		}
		mu.Lock()
		defer mu.Unlock()
		l.Logf(LevelFromAstiav(level), "%s%s", strings.TrimSpace(msg), cs)
	})
}
