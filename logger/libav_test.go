package logger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLevelAstiavRoundTrip(t *testing.T) {
	for _, level := range []Level{
		LevelFatal,
		LevelPanic,
		LevelError,
		LevelWarning,
		LevelInfo,
		LevelDebug,
		LevelTrace,
	} {
		require.Equal(t, level, LevelFromAstiav(LevelToAstiav(level)), level.String())
	}
}
