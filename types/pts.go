// pts.go defines constants related to Presentation Time Stamps (PTS).

package types

import (
	"math"
)

const (
	// NoPTSValue marks an absent timestamp; it equals libav's AV_NOPTS_VALUE.
	NoPTSValue = int64(math.MinInt64)

	// MicrosecondsPerSecond is the unit of realtime (wall-clock) timestamps.
	MicrosecondsPerSecond = 1000000
)

var TimeBaseMicroseconds = Rational{Num: 1, Den: MicrosecondsPerSecond}
