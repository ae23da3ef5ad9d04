// Package hwaccel provides shareable handles on hardware accelerator
// devices and on pools of device-resident frames.
//
// Every handle must be released exactly once (extra releases are ignored);
// the underlying resource is freed when its last handle is released.
package hwaccel

import (
	"context"
	"fmt"

	"github.com/asticode/go-astiav"
	"github.com/facebookincubator/go-belt"
	"github.com/xaionaro-go/avtransmux/logger"
	"github.com/xaionaro-go/avtransmux/types"
	avtypes "github.com/xaionaro-go/avtransmux/types/astiav"
)

type Device struct {
	Type types.HardwareDeviceType
	Path string

	context *astiav.HardwareDeviceContext
	h       *handle
}

// NewDevice opens the accelerator of the given kind; an empty path selects
// the default device.
func NewDevice(
	ctx context.Context,
	kind types.HardwareDeviceType,
	path string,
	opts types.DictionaryItems,
) (_ret *Device, _err error) {
	ctx = belt.WithField(ctx, "hw_dev_type", kind)
	logger.Debugf(ctx, "NewDevice(ctx, %s, '%s', %s)", kind, path, opts)
	defer func() { logger.Debugf(ctx, "/NewDevice(ctx, %s, '%s', %s): %v", kind, path, opts, _err) }()

	if kind == types.HardwareDeviceTypeNone {
		return nil, types.ErrNegotiation{Err: fmt.Errorf("hardware device type is not set")}
	}

	hwCtx, err := astiav.CreateHardwareDeviceContext(
		astiav.HardwareDeviceType(kind),
		path,
		avtypes.DictionaryItemsToAstiav(ctx, opts),
		0,
	)
	if err != nil {
		logger.Errorf(ctx, "unable to create a %s device context (path: '%s'): %v", kind, path, err)
		return nil, types.ErrOpen{
			Resource: fmt.Sprintf("hardware device %s:'%s'", kind, path),
			Err:      err,
		}
	}

	return &Device{
		Type:    kind,
		Path:    path,
		context: hwCtx,
		h:       newSharedResource(kind, "device", hwCtx.Free),
	}, nil
}

func (d *Device) String() string {
	return fmt.Sprintf("%s:'%s'", d.Type, d.Path)
}

// Context returns the libav device context; it stays valid while d is not released.
func (d *Device) Context() *astiav.HardwareDeviceContext {
	return d.context
}

// Ref returns a new handle on the same device.
func (d *Device) Ref() (*Device, error) {
	h, err := d.h.ref()
	if err != nil {
		return nil, err
	}
	return &Device{
		Type:    d.Type,
		Path:    d.Path,
		context: d.context,
		h:       h,
	}, nil
}

func (d *Device) Release(ctx context.Context) {
	d.h.release(ctx)
}

func (d *Device) RefCount() int64 {
	return d.h.refCount()
}

// HardwarePixelFormat is the conventional frame format of the device kind;
// the formats the device actually supports are negotiated by NewFramePool.
func (d *Device) HardwarePixelFormat() astiav.PixelFormat {
	name := d.Type.PixelFormatName()
	if name == "" {
		return astiav.PixelFormatNone
	}
	return astiav.FindPixelFormatByName(name)
}
