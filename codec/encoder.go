package codec

import (
	"context"
	"fmt"

	"github.com/asticode/go-astiav"
	"github.com/facebookincubator/go-belt"
	"github.com/xaionaro-go/avtransmux/frame"
	"github.com/xaionaro-go/avtransmux/hwaccel"
	"github.com/xaionaro-go/avtransmux/logger"
	"github.com/xaionaro-go/avtransmux/metrics"
	"github.com/xaionaro-go/avtransmux/packet"
	"github.com/xaionaro-go/avtransmux/types"
	"github.com/xaionaro-go/xsync"
)

type Encoder struct {
	*Codec
	streamIndex int
}

type EncoderConfig struct {
	CodecName string

	// Options are the flat key=value encoder options; the well-known ones
	// (time_base, video_size, pixel_format, framerate, ar, ac, sample_fmt,
	// b, g, bf) are applied directly, the rest is passed to libav.
	Options types.DictionaryItems

	// GlobalHeader places the codec headers in the extradata instead of
	// the bitstream; required by some containers.
	GlobalHeader bool

	// HardwareFramePool makes the encoder accept device-resident frames
	// from this pool; the encoder keeps its own reference.
	HardwareFramePool *hwaccel.FramePool

	// StreamIndex is stamped on every produced packet.
	StreamIndex int
}

func NewEncoder(
	ctx context.Context,
	cfg EncoderConfig,
) (_ret *Encoder, _err error) {
	ctx = belt.WithField(ctx, "codec_name", cfg.CodecName)
	logger.Debugf(ctx, "NewEncoder(ctx, %#+v)", cfg)
	defer func() { logger.Debugf(ctx, "/NewEncoder(ctx, %#+v): %v", cfg, _err) }()

	codec := astiav.FindEncoderByName(cfg.CodecName)
	if codec == nil {
		return nil, types.ErrOpen{
			Resource: fmt.Sprintf("encoder '%s'", cfg.CodecName),
			Err:      fmt.Errorf("encoder not found"),
		}
	}

	c, err := newCodec(ctx, metrics.KindEncoder, codec)
	if err != nil {
		return nil, err
	}
	defer func() {
		if _err != nil {
			_ = c.Close(ctx)
		}
	}()
	e := &Encoder{
		Codec:       c,
		streamIndex: cfg.StreamIndex,
	}

	rest, err := e.applyOptions(ctx, cfg.Options)
	if err != nil {
		return nil, fmt.Errorf("unable to apply the options to '%s': %w", cfg.CodecName, err)
	}

	if pool := cfg.HardwareFramePool; pool != nil {
		poolRef, err := pool.Ref()
		if err != nil {
			return nil, fmt.Errorf("unable to reference the frame pool: %w", err)
		}
		e.framePool = poolRef
		e.closer.Add(func() { poolRef.Release(ctx) })
		e.codecContext.SetPixelFormat(poolRef.HardwarePixelFormat)
		e.codecContext.SetWidth(poolRef.Width)
		e.codecContext.SetHeight(poolRef.Height)
		e.codecContext.SetHardwareFramesContext(poolRef.Context())
	}

	if cfg.GlobalHeader {
		e.codecContext.SetFlags(e.codecContext.Flags().Add(astiav.CodecContextFlagGlobalHeader))
	}

	if err := e.open(ctx, rest); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Encoder) StreamIndex() int {
	return e.streamIndex
}

// SendFrame feeds one frame to encode. types.ErrBufferFull means packets
// must be received before the frame can be accepted.
func (e *Encoder) SendFrame(
	ctx context.Context,
	f *frame.Frame,
) error {
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), &e.locker, func() error {
		if err := e.sendPrecondition("send frame"); err != nil {
			return err
		}
		return e.sendResult("send frame", e.codecContext.SendFrame(f.Frame))
	})
}

// ReceivePacket overwrites pkt with the next encoded packet, stamped with
// the encoder's stream index; its timestamps are in the encoder time base.
// It returns types.ErrNoDataYet if more frames are needed and io.EOF once
// the encoder is flushed and drained.
func (e *Encoder) ReceivePacket(
	ctx context.Context,
	pkt *packet.Packet,
) error {
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), &e.locker, func() error {
		if err := e.receivePrecondition("receive packet"); err != nil {
			return err
		}
		pkt.Unref()
		if err := e.receiveResult("receive packet", e.codecContext.ReceivePacket(pkt.Packet)); err != nil {
			return err
		}
		pkt.SetStreamIndex(e.streamIndex)
		return nil
	})
}

func (e *Encoder) Flush(ctx context.Context) error {
	return xsync.DoR1(ctx, &e.locker, func() error {
		return e.flushLocked(ctx, func() error {
			return e.codecContext.SendFrame(nil)
		})
	})
}

// NewFrame returns a writable frame matching the encoder input: on the
// device if the encoder is bound to a frame pool, in host memory otherwise.
func (e *Encoder) NewFrame() (*frame.Frame, error) {
	if e.framePool != nil {
		return e.framePool.AllocFrame()
	}

	cc := e.codecContext
	switch cc.MediaType() {
	case astiav.MediaTypeVideo:
		return frame.AllocVideo(cc.PixelFormat(), cc.Width(), cc.Height())
	case astiav.MediaTypeAudio:
		f := frame.New()
		f.SetSampleFormat(cc.SampleFormat())
		f.SetChannelLayout(cc.ChannelLayout())
		f.SetSampleRate(cc.SampleRate())
		f.SetNbSamples(cc.FrameSize())
		if err := f.AllocBuffer(0); err != nil {
			f.Release()
			return nil, fmt.Errorf("unable to allocate an audio frame: %w", err)
		}
		return f, nil
	}
	return nil, types.ErrNotImplemented{Err: fmt.Errorf("frames of media type %s", cc.MediaType())}
}
