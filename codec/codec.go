// Package codec wraps libav decoders and encoders into engines with an
// explicit send/receive/flush protocol.
//
// An engine owns exactly one codec instance; all its methods are
// serialized, so an engine may be shared between goroutines, but in
// practice it is driven by one.
package codec

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
	"github.com/facebookincubator/go-belt"
	"github.com/xaionaro-go/avtransmux/hwaccel"
	"github.com/xaionaro-go/avtransmux/logger"
	"github.com/xaionaro-go/avtransmux/metrics"
	"github.com/xaionaro-go/avtransmux/types"
	avtypes "github.com/xaionaro-go/avtransmux/types/astiav"
	"github.com/xaionaro-go/xsync"
	"go.uber.org/atomic"
)

type state int

const (
	stateOpen = state(iota)
	stateFlushed
	stateFinished
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateFlushed:
		return "flushed"
	case stateFinished:
		return "finished"
	case stateClosed:
		return "closed"
	}
	return fmt.Sprintf("unknown_state_%d", int(s))
}

type Codec struct {
	locker xsync.Mutex
	kind   string

	codec        *astiav.Codec
	codecContext *astiav.CodecContext
	closer       *astikit.Closer
	state        state

	device              *hwaccel.Device
	framePool           *hwaccel.FramePool
	hardwarePixelFormat astiav.PixelFormat
	formatRejected      atomic.Bool
}

func newCodec(
	ctx context.Context,
	kind string,
	codec *astiav.Codec,
) (*Codec, error) {
	codecContext := astiav.AllocCodecContext(codec)
	if codecContext == nil {
		return nil, types.ErrOpen{
			Resource: fmt.Sprintf("%s '%s'", kind, codec.Name()),
			Err:      fmt.Errorf("unable to allocate the codec context"),
		}
	}
	c := &Codec{
		kind:                kind,
		codec:               codec,
		codecContext:        codecContext,
		closer:              astikit.NewCloser(),
		hardwarePixelFormat: astiav.PixelFormatNone,
	}
	c.closer.Add(codecContext.Free)
	return c, nil
}

func (c *Codec) String() string {
	return fmt.Sprintf("%s(%s)", c.kind, c.codec.Name())
}

func (c *Codec) Name() string {
	return c.codec.Name()
}

func (c *Codec) MediaType() astiav.MediaType {
	return xsync.DoR1(context.TODO(), &c.locker, func() astiav.MediaType {
		return c.codecContext.MediaType()
	})
}

func (c *Codec) TimeBase() types.Rational {
	return xsync.DoR1(context.TODO(), &c.locker, func() types.Rational {
		return avtypes.RationalFromAstiav(c.codecContext.TimeBase())
	})
}

// CodecContext gives access to the underlying libav context; the caller
// must not use it concurrently with the engine.
func (c *Codec) CodecContext() *astiav.CodecContext {
	return c.codecContext
}

func (c *Codec) ToCodecParameters(cp *astiav.CodecParameters) error {
	return xsync.DoR1(context.TODO(), &c.locker, func() error {
		if c.state == stateClosed {
			return types.ErrProtocol{Op: "get codec parameters", State: "the codec is closed"}
		}
		return c.codecContext.ToCodecParameters(cp)
	})
}

// SelectFormat picks the pixel format negotiated with the hardware
// accelerator out of the candidates offered by the codec.
func (c *Codec) SelectFormat(
	ctx context.Context,
	candidates []astiav.PixelFormat,
) astiav.PixelFormat {
	for _, pf := range candidates {
		if pf == c.hardwarePixelFormat {
			return pf
		}
	}
	logger.Errorf(ctx, "%s: the hardware pixel format %s is not among the offered ones: %v", c, c.hardwarePixelFormat, candidates)
	c.formatRejected.Store(true)
	return astiav.PixelFormatNone
}

func (c *Codec) initHardwareDevice(
	ctx context.Context,
	device *hwaccel.Device,
) (_err error) {
	logger.Debugf(ctx, "initHardwareDevice(ctx, %s)", device)
	defer func() { logger.Debugf(ctx, "/initHardwareDevice(ctx, %s): %v", device, _err) }()

	for _, hwCfg := range c.codec.HardwareConfigs() {
		logger.Tracef(ctx, "hw config: %v %v %v", hwCfg.PixelFormat(), hwCfg.MethodFlags(), hwCfg.HardwareDeviceType())
		if hwCfg.HardwareDeviceType() != astiav.HardwareDeviceType(device.Type) {
			continue
		}
		if !hwCfg.MethodFlags().Has(astiav.CodecHardwareConfigMethodFlagHwDeviceCtx) {
			continue
		}
		c.hardwarePixelFormat = hwCfg.PixelFormat()
		break
	}
	if c.hardwarePixelFormat == astiav.PixelFormatNone {
		return types.ErrNegotiation{
			Err: fmt.Errorf("%s does not support %s devices", c, device.Type),
		}
	}

	dev, err := device.Ref()
	if err != nil {
		return fmt.Errorf("unable to reference the device: %w", err)
	}
	c.device = dev
	c.closer.Add(func() { dev.Release(ctx) })
	c.codecContext.SetHardwareDeviceContext(dev.Context())
	c.codecContext.SetPixelFormatCallback(func(pfs []astiav.PixelFormat) astiav.PixelFormat {
		return c.SelectFormat(ctx, pfs)
	})
	return nil
}

func (c *Codec) open(
	ctx context.Context,
	opts types.DictionaryItems,
) error {
	dict := avtypes.DictionaryItemsToAstiav(ctx, opts)
	if err := c.codecContext.Open(c.codec, dict); err != nil {
		if c.formatRejected.Load() {
			return types.ErrNegotiation{Err: fmt.Errorf("unable to open %s: %w", c, err)}
		}
		return types.ErrOpen{Resource: c.String(), Err: err}
	}
	avtypes.WarnUnusedOptions(ctx, dict)
	return nil
}

func (c *Codec) sendPrecondition(op string) error {
	switch c.state {
	case stateOpen:
		return nil
	case stateClosed:
		return types.ErrProtocol{Op: op, State: "the codec is closed"}
	default:
		return types.ErrProtocol{Op: op, State: "the codec is flushed"}
	}
}

func (c *Codec) sendResult(op string, err error) error {
	result := metrics.ResultError
	defer func() { metrics.CodecSends.WithLabelValues(c.codec.Name(), c.kind, result).Inc() }()
	switch {
	case err == nil:
		result = metrics.ResultOK
		return nil
	case errors.Is(err, astiav.ErrEagain):
		result = metrics.ResultFull
		return types.ErrBufferFull
	case errors.Is(err, astiav.ErrEof):
		return types.ErrProtocol{Op: op, State: "the codec is flushed"}
	case c.formatRejected.Load():
		return types.ErrNegotiation{Err: fmt.Errorf("%s: %w", op, err)}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (c *Codec) receivePrecondition(op string) error {
	switch c.state {
	case stateClosed:
		return types.ErrProtocol{Op: op, State: "the codec is closed"}
	case stateFinished:
		return io.EOF
	}
	return nil
}

func (c *Codec) receiveResult(op string, err error) error {
	result := metrics.ResultError
	defer func() { metrics.CodecReceives.WithLabelValues(c.codec.Name(), c.kind, result).Inc() }()
	switch {
	case err == nil:
		result = metrics.ResultOK
		return nil
	case errors.Is(err, astiav.ErrEagain):
		result = metrics.ResultNoData
		return types.ErrNoDataYet
	case errors.Is(err, astiav.ErrEof):
		result = metrics.ResultEOF
		c.state = stateFinished
		return io.EOF
	case c.formatRejected.Load():
		return types.ErrNegotiation{Err: fmt.Errorf("%s: %w", op, err)}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// flushLocked signals the end of input; repeated flushes are no-ops.
func (c *Codec) flushLocked(
	ctx context.Context,
	sendEOF func() error,
) (_err error) {
	logger.Debugf(ctx, "flush %s", c)
	defer func() { logger.Debugf(ctx, "/flush %s: %v", c, _err) }()
	switch c.state {
	case stateFlushed, stateFinished:
		return nil
	case stateClosed:
		return types.ErrProtocol{Op: "flush", State: "the codec is closed"}
	}
	if err := sendEOF(); err != nil && !errors.Is(err, astiav.ErrEof) {
		return fmt.Errorf("unable to flush %s: %w", c, err)
	}
	c.state = stateFlushed
	return nil
}

// Close frees the codec instance and releases the accelerator handles.
// It is idempotent.
func (c *Codec) Close(ctx context.Context) error {
	return xsync.DoA1R1(ctx, &c.locker, c.closeLocked, ctx)
}

func (c *Codec) closeLocked(ctx context.Context) (_err error) {
	if c.state == stateClosed {
		return nil
	}
	logger.Debugf(ctx, "closing %s", c)
	defer func() { logger.Debugf(ctx, "/closing %s: %v", c, _err) }()
	c.state = stateClosed
	belt.Flush(ctx) // the logs are flushed before a SEGFAULT-risky operation
	return c.closer.Close()
}
