// Package frame implements the decoded-data buffer of avtransmux.
//
// Frames follow the same ownership model as packets: Clone shares the
// storage, Move transfers it, and a frame must be detached before its
// image is modified in place. Frames are not safe for concurrent use.
package frame

import (
	"fmt"

	"github.com/asticode/go-astiav"
	"github.com/xaionaro-go/avtransmux/types"
)

const defaultAlign = 0

type Frame struct {
	*astiav.Frame
}

func New() *Frame {
	return &Frame{
		Frame: Pool.Get(),
	}
}

// AllocVideo returns a writable video frame of the given format and size.
func AllocVideo(
	pixelFormat astiav.PixelFormat,
	width, height int,
) (*Frame, error) {
	f := New()
	f.SetPixelFormat(pixelFormat)
	f.SetWidth(width)
	f.SetHeight(height)
	if err := f.AllocBuffer(defaultAlign); err != nil {
		f.Release()
		return nil, fmt.Errorf("unable to allocate a %dx%d %s frame: %w", width, height, pixelFormat, err)
	}
	return f, nil
}

func (f *Frame) Release() {
	if f.Frame == nil {
		return
	}
	Pool.Put(f.Frame)
	f.Frame = nil
}

func (f *Frame) IsEmpty() bool {
	return f.Frame == nil || (f.Width() == 0 && f.NbSamples() == 0)
}

func (f *Frame) Reset() {
	f.Unref()
}

func (f *Frame) Clone() (*Frame, error) {
	dst := New()
	if f.IsEmpty() {
		return dst, nil
	}
	if err := dst.Ref(f.Frame); err != nil {
		dst.Release()
		return nil, err
	}
	return dst, nil
}

func (f *Frame) Move() *Frame {
	dst := &Frame{Frame: f.Frame}
	f.Frame = Pool.Get()
	return dst
}

func (f *Frame) MoveTo(dst *Frame) {
	if dst.Frame != nil {
		Pool.Put(dst.Frame)
	}
	dst.Frame = f.Frame
	f.Frame = Pool.Get()
}

// Detach makes the storage private to this handle, copying it if needed.
func (f *Frame) Detach() error {
	if f.IsEmpty() {
		return nil
	}
	return f.MakeWritable()
}

// SetImage overwrites the image in place with tightly packed planes.
// A frame sharing its storage must be detached first.
func (f *Frame) SetImage(b []byte) error {
	if !f.IsWritable() {
		return types.ErrProtocol{Op: "in-place write", State: "the frame storage is shared"}
	}
	return f.Data().SetBytes(b, 1)
}

// Image returns a copy of the image with tightly packed planes.
func (f *Frame) Image() ([]byte, error) {
	return f.Data().Bytes(1)
}
