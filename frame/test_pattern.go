// test_pattern.go generates synthetic pictures for tests and demos.

package frame

import (
	"fmt"

	"github.com/asticode/go-astiav"
)

// FillTestPattern paints a moving YUV420P gradient (different for each
// index) into f and sets its pts to index. The frame gets (re)allocated
// when it does not match the requested size.
func FillTestPattern(
	f *Frame,
	index int,
	width, height int,
) error {
	if f.Width() != width || f.Height() != height || f.PixelFormat() != astiav.PixelFormatYuv420P {
		f.Unref()
		f.SetPixelFormat(astiav.PixelFormatYuv420P)
		f.SetWidth(width)
		f.SetHeight(height)
		if err := f.AllocBuffer(defaultAlign); err != nil {
			return fmt.Errorf("unable to allocate the frame buffer: %w", err)
		}
	}
	if err := f.MakeWritable(); err != nil {
		return fmt.Errorf("unable to make the frame writable: %w", err)
	}

	if err := f.SetImage(TestPatternImage(index, width, height)); err != nil {
		return fmt.Errorf("unable to set the image: %w", err)
	}
	f.SetPts(int64(index))
	return nil
}

// TestPatternImage returns the packed YUV420P image FillTestPattern paints.
func TestPatternImage(index, width, height int) []byte {
	cw, ch := width/2, height/2
	img := make([]byte, width*height+2*cw*ch)

	y := img[:width*height]
	for row := 0; row < height; row++ {
		for col := 0; col < width; col++ {
			y[row*width+col] = byte(col + row + index*3)
		}
	}

	cb := img[width*height : width*height+cw*ch]
	cr := img[width*height+cw*ch:]
	for row := 0; row < ch; row++ {
		for col := 0; col < cw; col++ {
			cb[row*cw+col] = byte(128 + row + index*2)
			cr[row*cw+col] = byte(64 + col + index*5)
		}
	}
	return img
}
