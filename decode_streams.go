package avtransmux

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/facebookincubator/go-belt"
	"github.com/xaionaro-go/avtransmux/codec"
	"github.com/xaionaro-go/avtransmux/format"
	"github.com/xaionaro-go/avtransmux/frame"
	"github.com/xaionaro-go/avtransmux/logger"
	"github.com/xaionaro-go/avtransmux/packet"
	"github.com/xaionaro-go/avtransmux/relay"
	"github.com/xaionaro-go/avtransmux/types"
	"golang.org/x/sync/errgroup"
)

// FrameHandler receives every decoded frame; the frame is released after
// the handler returns, so it must be cloned to be kept. Handlers of
// different streams are called concurrently.
type FrameHandler func(ctx context.Context, streamIndex int, f *frame.Frame) error

type DecodeStreamsConfig struct {
	// Decoders overrides the decoder configuration per stream index.
	Decoders map[int]codec.DecoderConfig
}

type streamDecoder struct {
	streamIndex int
	queue       *relay.PacketQueue
	decoder     *codec.Decoder
	handler     FrameHandler
}

// DecodeStreams demuxes the input and decodes each stream in its own
// goroutine, fed through its own relay queue. A decoder is started when
// the first packet of its stream is read. The first failure of any
// decoder stops the whole process.
func DecodeStreams(
	ctx context.Context,
	in *format.Input,
	cfg DecodeStreamsConfig,
	handler FrameHandler,
) (_err error) {
	logger.Debugf(ctx, "DecodeStreams(ctx, %s)", in)
	defer func() { logger.Debugf(ctx, "/DecodeStreams(ctx, %s): %v", in, _err) }()

	g, gctx := errgroup.WithContext(ctx)
	decoders := map[int]*streamDecoder{}
	defer func() {
		for _, d := range decoders {
			d.queue.Close(ctx, _err != nil)
		}
		if err := g.Wait(); err != nil {
			_err = errors.Join(_err, err)
		}
		for _, d := range decoders {
			d.queue.Dispose(ctx)
			if err := d.decoder.Close(ctx); err != nil {
				_err = errors.Join(_err, err)
			}
		}
	}()

	pkt := packet.New()
	defer pkt.Release()
	for {
		if err := gctx.Err(); err != nil {
			return nil // the error is reported by g.Wait()
		}
		err := in.Read(gctx, pkt)
		if errors.Is(err, io.EOF) {
			logger.Debugf(ctx, "finished reading %s", in)
			return nil
		}
		if err != nil {
			return err
		}

		streamIndex := pkt.StreamIndex()
		logger.Tracef(ctx, "got packet on stream #%d", streamIndex)
		d := decoders[streamIndex]
		if d == nil {
			d, err = newStreamDecoder(gctx, in, streamIndex, cfg.Decoders[streamIndex], handler)
			if err != nil {
				return fmt.Errorf("unable to start decoding stream #%d: %w", streamIndex, err)
			}
			decoders[streamIndex] = d
			g.Go(func() error {
				return d.serve(belt.WithField(gctx, "stream_index", d.streamIndex))
			})
		}

		item := d.queue.Acquire()
		pkt.MoveTo(item)
		if err := d.queue.Release(item); err != nil && !errors.Is(err, relay.ErrClosed) {
			return err
		}
	}
}

func newStreamDecoder(
	ctx context.Context,
	in *format.Input,
	streamIndex int,
	cfg codec.DecoderConfig,
	handler FrameHandler,
) (*streamDecoder, error) {
	decoder, err := in.NewDecoder(ctx, streamIndex, cfg)
	if err != nil {
		return nil, err
	}
	return &streamDecoder{
		streamIndex: streamIndex,
		queue:       relay.NewPacketQueue(fmt.Sprintf("decode_stream_%d", streamIndex)),
		decoder:     decoder,
		handler:     handler,
	}, nil
}

func (d *streamDecoder) serve(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "serve")
	defer func() { logger.Debugf(ctx, "/serve: %v", _err) }()
	defer func() {
		if _err != nil {
			d.queue.Close(ctx, true)
		}
	}()

	for {
		pkt, err := d.queue.Dequeue(ctx)
		if errors.Is(err, io.EOF) {
			logger.Debugf(ctx, "the queue is closed")
			break
		}
		if err != nil {
			return err
		}
		err = d.sendPacket(ctx, pkt)
		d.queue.Enqueue(pkt)
		if err != nil {
			return err
		}
	}

	if err := d.decoder.Flush(ctx); err != nil {
		return err
	}
	if err := d.receiveFrames(ctx); !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (d *streamDecoder) sendPacket(
	ctx context.Context,
	pkt *packet.Packet,
) error {
	for {
		err := d.decoder.SendPacket(ctx, pkt)
		switch {
		case err == nil:
			return d.receiveFrames(ctx)
		case errors.Is(err, types.ErrBufferFull):
			if err := d.receiveFrames(ctx); err != nil {
				return err
			}
		default:
			return err
		}
	}
}

func (d *streamDecoder) receiveFrames(ctx context.Context) error {
	return d.decoder.ReceiveFrames(ctx, func(f *frame.Frame) error {
		defer f.Release()
		logger.Tracef(ctx, "got frame %d on stream #%d", f.Pts(), d.streamIndex)
		return d.handler(ctx, d.streamIndex, f)
	})
}
