// Package timealign aligns the timestamps of independently started
// streams to a common wall-clock origin.
//
// The stream with index 0 is the reference: it publishes the wall-clock
// time of its PTS zero and is written unshifted. Every other stream waits
// for that value and then shifts its timestamps by the difference of the
// two wall-clock origins, expressed in its own time base. If the
// reference stream never publishes, the other streams never leave the
// waiting state.
package timealign

import (
	"context"

	"github.com/xaionaro-go/avtransmux/logger"
	"github.com/xaionaro-go/avtransmux/types"
	"go.uber.org/atomic"
)

const ReferenceStreamIndex = 0

// Reference holds the wall-clock time (microseconds since the Unix epoch)
// of PTS zero of the reference stream. It is shared by all the aligners
// of one muxing session.
type Reference struct {
	t0 atomic.Int64
}

func NewReference() *Reference {
	r := &Reference{}
	r.t0.Store(types.NoPTSValue)
	return r
}

func (r *Reference) Set(realtime int64) {
	r.t0.Store(realtime)
}

// Get returns types.NoPTSValue until the reference stream publishes.
func (r *Reference) Get() int64 {
	return r.t0.Load()
}

type Aligner struct {
	Reference   *Reference
	StreamIndex int
	TimeBase    types.Rational
}

func NewAligner(
	ref *Reference,
	streamIndex int,
	timeBase types.Rational,
) *Aligner {
	return &Aligner{
		Reference:   ref,
		StreamIndex: streamIndex,
		TimeBase:    timeBase,
	}
}

// Observe takes the wall-clock time of PTS zero of the aligner's stream
// (as reported by the input, possibly types.NoPTSValue) and returns the
// delta to add to the stream's pts and dts. ok is false while the delta
// is not known yet; packets seen in that state are to be skipped.
func (a *Aligner) Observe(
	ctx context.Context,
	realtime int64,
) (delta int64, ok bool) {
	if realtime == types.NoPTSValue {
		return 0, false
	}
	if a.StreamIndex == ReferenceStreamIndex {
		if a.Reference.Get() != realtime {
			logger.Debugf(ctx, "the reference wall-clock time is %d", realtime)
		}
		a.Reference.Set(realtime)
		return 0, true
	}
	t0 := a.Reference.Get()
	if t0 == types.NoPTSValue {
		logger.Tracef(ctx, "stream #%d: the reference stream has not reported its start time yet", a.StreamIndex)
		return 0, false
	}
	delta = types.RescaleRealtime(realtime-t0, a.TimeBase)
	logger.Debugf(ctx, "stream #%d: delta %d (%dus at %s)", a.StreamIndex, delta, realtime-t0, a.TimeBase)
	return delta, true
}
