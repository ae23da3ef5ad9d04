// frame_format.go negotiates the pixel format of hardware frames with the device.

package hwaccel

import (
	"fmt"
	"slices"

	"github.com/asticode/go-astiav"
	"github.com/xaionaro-go/avtransmux/types"
)

// FrameConstraints are the frame formats a device accepts for its frame
// pools; empty lists mean the device did not tell.
type FrameConstraints struct {
	HardwarePixelFormats []astiav.PixelFormat
	SoftwarePixelFormats []astiav.PixelFormat
}

// FrameConstraints asks the accelerator which frame formats it supports.
func (d *Device) FrameConstraints() FrameConstraints {
	c := d.context.HardwareFramesConstraints()
	if c == nil {
		return FrameConstraints{}
	}
	defer c.Free()
	return FrameConstraints{
		HardwarePixelFormats: c.ValidHardwarePixelFormats(),
		SoftwarePixelFormats: c.ValidSoftwarePixelFormats(),
	}
}

// selectHardwarePixelFormat picks the frame pool format: the conventional
// one if the device supports it, otherwise the first one it reports. The
// conventional format is used as is when the device reports nothing.
func selectHardwarePixelFormat(
	kind types.HardwareDeviceType,
	conventional astiav.PixelFormat,
	constraints FrameConstraints,
	swPixelFormat astiav.PixelFormat,
) (astiav.PixelFormat, error) {
	if len(constraints.SoftwarePixelFormats) > 0 && !slices.Contains(constraints.SoftwarePixelFormats, swPixelFormat) {
		return astiav.PixelFormatNone, types.ErrNegotiation{
			Err: fmt.Errorf("%s devices do not support the software format %s (supported: %v)", kind, swPixelFormat, constraints.SoftwarePixelFormats),
		}
	}

	switch {
	case len(constraints.HardwarePixelFormats) == 0:
		if conventional == astiav.PixelFormatNone {
			return astiav.PixelFormatNone, types.ErrNegotiation{Err: fmt.Errorf("no frame format is known for %s devices", kind)}
		}
		return conventional, nil
	case slices.Contains(constraints.HardwarePixelFormats, conventional):
		return conventional, nil
	default:
		return constraints.HardwarePixelFormats[0], nil
	}
}
