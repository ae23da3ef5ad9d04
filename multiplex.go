package avtransmux

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/facebookincubator/go-belt"
	"github.com/xaionaro-go/avtransmux/format"
	"github.com/xaionaro-go/avtransmux/logger"
	"github.com/xaionaro-go/avtransmux/relay"
	"github.com/xaionaro-go/avtransmux/timealign"
	"github.com/xaionaro-go/avtransmux/types"
	"github.com/xaionaro-go/observability"
	"golang.org/x/sync/errgroup"
)

// Multiplex muxes the first stream of every input into the output; the
// output stream #i comes from inputs[i].
//
// Every input is read by its own goroutine. The timestamps are aligned by
// the wall-clock time of PTS zero reported by the inputs (see package
// timealign): inputs[0] is the reference, and packets are skipped until
// both the input's own and the reference's start times are known. A start
// time of inputs[0] known before reading is published immediately.
func Multiplex(
	ctx context.Context,
	out *format.Output,
	inputs []*format.Input,
) (_err error) {
	logger.Debugf(ctx, "Multiplex(ctx, %s, %d inputs)", out, len(inputs))
	defer func() { logger.Debugf(ctx, "/Multiplex(ctx, %s, %d inputs): %v", out, len(inputs), _err) }()
	if len(inputs) == 0 {
		return fmt.Errorf("no inputs")
	}

	for i, in := range inputs {
		outIndex, err := out.AddStreamCopy(ctx, in, 0)
		if err != nil {
			return fmt.Errorf("unable to add the stream of input #%d (%s): %w", i, in, err)
		}
		if outIndex != i {
			return fmt.Errorf("the stream of input #%d got index %d", i, outIndex)
		}
	}

	q := relay.NewPacketQueue("multiplex")
	defer q.Dispose(ctx)
	ref := timealign.NewReference()
	if t0 := inputs[0].StartTimeRealtime(); t0 != types.NoPTSValue {
		// known upfront (configured explicitly), so nothing has to be skipped
		ref.Set(t0)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, in := range inputs {
		aligner := timealign.NewAligner(ref, i, in.TimeBase(0))
		g.Go(func() error {
			return readAligned(belt.WithField(gctx, "input_index", i), in, q, aligner)
		})
	}
	producersDone := make(chan error, 1)
	observability.Go(ctx, func(ctx context.Context) {
		err := g.Wait()
		q.Close(ctx, false)
		producersDone <- err
	})

	var writeErr error
	for {
		pkt, err := q.Dequeue(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			writeErr = err
			break
		}
		err = out.Write(ctx, pkt)
		q.Enqueue(pkt)
		if err != nil {
			writeErr = err
			break
		}
	}
	if writeErr != nil {
		q.Close(ctx, true)
	}
	return errors.Join(writeErr, <-producersDone)
}

// readAligned reads the first stream of the input into the queue, shifted
// by the delta to the reference stream. It stops when the input ends or
// the queue is closed; a read in progress is not interrupted.
func readAligned(
	ctx context.Context,
	in *format.Input,
	q *relay.PacketQueue,
	aligner *timealign.Aligner,
) (_err error) {
	logger.Debugf(ctx, "readAligned(ctx, %s, stream #%d)", in, aligner.StreamIndex)
	defer func() { logger.Debugf(ctx, "/readAligned(ctx, %s, stream #%d): %v", in, aligner.StreamIndex, _err) }()

	var (
		delta   int64
		aligned bool
		skipped int
	)
	for !q.IsClosed() {
		if err := ctx.Err(); err != nil {
			return err
		}
		pkt := q.Acquire()
		err := in.Read(ctx, pkt)
		if errors.Is(err, io.EOF) {
			q.Enqueue(pkt)
			return nil
		}
		if err != nil {
			q.Enqueue(pkt)
			return err
		}
		if pkt.StreamIndex() != 0 {
			q.Enqueue(pkt)
			continue
		}
		if !aligned {
			delta, aligned = aligner.Observe(ctx, in.StartTimeRealtime())
			if !aligned {
				skipped++
				q.Enqueue(pkt)
				continue
			}
			logger.Debugf(ctx, "got delta %d on stream #%d after skipping %d packets", delta, aligner.StreamIndex, skipped)
		}
		pkt.AddDeltaTS(delta)
		pkt.SetStreamIndex(aligner.StreamIndex)
		if err := q.Release(pkt); err != nil {
			if errors.Is(err, relay.ErrClosed) {
				return nil
			}
			return err
		}
	}
	return nil
}
