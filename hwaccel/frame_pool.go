package hwaccel

import (
	"context"
	"fmt"

	"github.com/asticode/go-astiav"
	"github.com/xaionaro-go/avtransmux/frame"
	"github.com/xaionaro-go/avtransmux/logger"
	"github.com/xaionaro-go/avtransmux/types"
)

const defaultInitialPoolSize = 20

// FramePool is a pool of frames resident on a device.
type FramePool struct {
	Device              *Device
	HardwarePixelFormat astiav.PixelFormat
	SoftwarePixelFormat astiav.PixelFormat
	Width               int
	Height              int

	context *astiav.HardwareFramesContext
	h       *handle
}

// NewFramePool creates a pool of width x height frames stored on the device;
// swPixelFormat is the layout the frames have when downloaded to the host.
func (d *Device) NewFramePool(
	ctx context.Context,
	swPixelFormat astiav.PixelFormat,
	width, height int,
	poolSize int,
) (_ret *FramePool, _err error) {
	logger.Debugf(ctx, "NewFramePool(ctx, %s, %dx%d, %d)", swPixelFormat, width, height, poolSize)
	defer func() {
		logger.Debugf(ctx, "/NewFramePool(ctx, %s, %dx%d, %d): %v", swPixelFormat, width, height, poolSize, _err)
	}()

	constraints := d.FrameConstraints()
	logger.Debugf(ctx, "%s frame constraints: hw:%v sw:%v", d, constraints.HardwarePixelFormats, constraints.SoftwarePixelFormats)
	hwPixFmt, err := selectHardwarePixelFormat(d.Type, d.HardwarePixelFormat(), constraints, swPixelFormat)
	if err != nil {
		return nil, err
	}
	if poolSize <= 0 {
		poolSize = defaultInitialPoolSize
	}

	dev, err := d.Ref()
	if err != nil {
		return nil, fmt.Errorf("unable to reference the device: %w", err)
	}

	framesCtx := astiav.AllocHardwareFramesContext(d.context)
	if framesCtx == nil {
		dev.Release(ctx)
		return nil, types.ErrOpen{Resource: fmt.Sprintf("frame pool on %s", d), Err: fmt.Errorf("allocation failed")}
	}
	framesCtx.SetHardwarePixelFormat(hwPixFmt)
	framesCtx.SetSoftwarePixelFormat(swPixelFormat)
	framesCtx.SetWidth(width)
	framesCtx.SetHeight(height)
	framesCtx.SetInitialPoolSize(poolSize)
	if err := framesCtx.Initialize(); err != nil {
		framesCtx.Free()
		dev.Release(ctx)
		logger.Errorf(ctx, "unable to initialize a %s frame pool (%s, %dx%d): %v", d.Type, swPixelFormat, width, height, err)
		return nil, types.ErrNegotiation{Err: fmt.Errorf("unable to initialize the frame pool: %w", err)}
	}

	return &FramePool{
		Device:              dev,
		HardwarePixelFormat: hwPixFmt,
		SoftwarePixelFormat: swPixelFormat,
		Width:               width,
		Height:              height,
		context:             framesCtx,
		h: newSharedResource(d.Type, "frame_pool", func() {
			framesCtx.Free()
			dev.Release(ctx)
		}),
	}, nil
}

func (p *FramePool) Context() *astiav.HardwareFramesContext {
	return p.context
}

func (p *FramePool) Ref() (*FramePool, error) {
	h, err := p.h.ref()
	if err != nil {
		return nil, err
	}
	cpy := *p
	cpy.h = h
	return &cpy, nil
}

func (p *FramePool) Release(ctx context.Context) {
	p.h.release(ctx)
}

func (p *FramePool) RefCount() int64 {
	return p.h.refCount()
}

// AllocFrame returns a frame with storage from the pool.
func (p *FramePool) AllocFrame() (*frame.Frame, error) {
	f := frame.New()
	if err := f.AllocHardwareBuffer(p.context); err != nil {
		f.Release()
		return nil, fmt.Errorf("unable to allocate a frame on %s: %w", p.Device, err)
	}
	return f, nil
}

// Upload copies a host frame into a frame allocated from the pool.
func (p *FramePool) Upload(src *frame.Frame) (*frame.Frame, error) {
	dst, err := p.AllocFrame()
	if err != nil {
		return nil, err
	}
	if err := src.TransferHardwareData(dst.Frame); err != nil {
		dst.Release()
		return nil, fmt.Errorf("unable to upload the frame to %s: %w", p.Device, err)
	}
	dst.SetPts(src.Pts())
	return dst, nil
}

// Download copies a device-resident frame into host memory.
func Download(src *frame.Frame) (*frame.Frame, error) {
	dst := frame.New()
	if err := src.TransferHardwareData(dst.Frame); err != nil {
		dst.Release()
		return nil, fmt.Errorf("unable to download the frame: %w", err)
	}
	dst.SetPts(src.Pts())
	return dst, nil
}
