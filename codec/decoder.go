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
	avtypes "github.com/xaionaro-go/avtransmux/types/astiav"
	"github.com/xaionaro-go/xsync"
)

type Decoder struct {
	*Codec
}

type DecoderConfig struct {
	// CodecName forces a specific decoder (e.g. "h264_cuvid"); by default
	// the decoder is chosen by the codec ID.
	CodecName string

	// HardwareDevice enables hardware decoding; the decoder keeps its own
	// reference to the device.
	HardwareDevice *hwaccel.Device

	Options types.DictionaryItems
}

// NewDecoder opens a decoder for a stream with the given parameters;
// timeBase is the time base of the packets which will be sent.
func NewDecoder(
	ctx context.Context,
	params *astiav.CodecParameters,
	timeBase types.Rational,
	cfg DecoderConfig,
) (_ret *Decoder, _err error) {
	ctx = belt.WithField(ctx, "codec_id", params.CodecID())
	logger.Debugf(ctx, "NewDecoder(ctx, %s, %s, %#+v)", params.CodecID(), timeBase, cfg)
	defer func() { logger.Debugf(ctx, "/NewDecoder(ctx, %s, %s, %#+v): %v", params.CodecID(), timeBase, cfg, _err) }()

	var codec *astiav.Codec
	if cfg.CodecName != "" {
		codec = astiav.FindDecoderByName(cfg.CodecName)
	} else {
		codec = astiav.FindDecoder(params.CodecID())
	}
	if codec == nil {
		return nil, types.ErrOpen{
			Resource: fmt.Sprintf("decoder '%s' (%s)", cfg.CodecName, params.CodecID()),
			Err:      fmt.Errorf("decoder not found"),
		}
	}

	c, err := newCodec(ctx, metrics.KindDecoder, codec)
	if err != nil {
		return nil, err
	}
	defer func() {
		if _err != nil {
			_ = c.Close(ctx)
		}
	}()

	if err := params.ToCodecContext(c.codecContext); err != nil {
		return nil, fmt.Errorf("unable to copy the codec parameters: %w", err)
	}
	if !timeBase.IsZero() {
		c.codecContext.SetTimeBase(avtypes.RationalToAstiav(timeBase))
	}

	if cfg.HardwareDevice != nil {
		if err := c.initHardwareDevice(ctx, cfg.HardwareDevice); err != nil {
			return nil, err
		}
	}

	if err := c.open(ctx, cfg.Options); err != nil {
		return nil, err
	}
	return &Decoder{Codec: c}, nil
}

// SendPacket feeds one encoded packet. types.ErrBufferFull means frames
// must be received before the packet can be accepted.
func (d *Decoder) SendPacket(
	ctx context.Context,
	pkt *packet.Packet,
) error {
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), &d.locker, func() error {
		if err := d.sendPrecondition("send packet"); err != nil {
			return err
		}
		return d.sendResult("send packet", d.codecContext.SendPacket(pkt.Packet))
	})
}

// ReceiveFrame overwrites f with the next decoded frame. It returns
// types.ErrNoDataYet if more packets are needed and io.EOF once the
// decoder is flushed and drained.
func (d *Decoder) ReceiveFrame(
	ctx context.Context,
	f *frame.Frame,
) error {
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), &d.locker, func() error {
		if err := d.receivePrecondition("receive frame"); err != nil {
			return err
		}
		f.Unref()
		return d.receiveResult("receive frame", d.codecContext.ReceiveFrame(f.Frame))
	})
}

// Flush signals the end of input; no packet may be sent afterwards.
func (d *Decoder) Flush(ctx context.Context) error {
	return xsync.DoR1(ctx, &d.locker, func() error {
		return d.flushLocked(ctx, func() error {
			return d.codecContext.SendPacket(nil)
		})
	})
}

// IsHardware reports whether decoded frames are resident on a device.
func (d *Decoder) IsHardware() bool {
	return d.device != nil
}
