// software.go implements Scaler on top of libswscale.

package scaler

import (
	"context"
	"fmt"

	"github.com/asticode/go-astiav"
	"github.com/xaionaro-go/avtransmux/frame"
	"github.com/xaionaro-go/avtransmux/logger"
	"github.com/xaionaro-go/avtransmux/types"
)

type Software struct {
	swsContext *astiav.SoftwareScaleContext
	src, dst   Resolution
	srcPixFmt  astiav.PixelFormat
	dstPixFmt  astiav.PixelFormat
}

var _ Scaler = (*Software)(nil)

func NewSoftware(
	ctx context.Context,
	src Resolution,
	srcPixFmt astiav.PixelFormat,
	dst Resolution,
	dstPixFmt astiav.PixelFormat,
	opts ...astiav.SoftwareScaleContextFlag,
) (*Software, error) {
	logger.Debugf(ctx, "NewSoftware(ctx, %s:%s -> %s:%s)", src, srcPixFmt, dst, dstPixFmt)
	swsCtx, err := astiav.CreateSoftwareScaleContext(
		src.Width,
		src.Height,
		srcPixFmt,
		dst.Width,
		dst.Height,
		dstPixFmt,
		astiav.NewSoftwareScaleContextFlags(opts...),
	)
	if err != nil {
		return nil, types.ErrNegotiation{
			Err: fmt.Errorf("unable to create a software scale context %s:%s -> %s:%s: %w", src, srcPixFmt, dst, dstPixFmt, err),
		}
	}
	return &Software{
		swsContext: swsCtx,
		src:        src,
		dst:        dst,
		srcPixFmt:  srcPixFmt,
		dstPixFmt:  dstPixFmt,
	}, nil
}

func (s *Software) String() string {
	return fmt.Sprintf("SoftwareScaler(%s:%s -> %s:%s)", s.src, s.srcPixFmt, s.dst, s.dstPixFmt)
}

// Close frees the scale context; it is idempotent.
func (s *Software) Close(ctx context.Context) error {
	logger.Tracef(ctx, "Close %s", s)
	defer logger.Tracef(ctx, "/Close %s", s)
	if s.swsContext != nil {
		s.swsContext.Free()
		s.swsContext = nil
	}
	return nil
}

// ScaleFrame returns a new frame with the converted picture and the
// timing properties of src.
func (s *Software) ScaleFrame(
	ctx context.Context,
	src *frame.Frame,
) (_ret *frame.Frame, _err error) {
	logger.Tracef(ctx, "ScaleFrame")
	defer func() { logger.Tracef(ctx, "/ScaleFrame: %v", _err) }()
	if s.swsContext == nil {
		return nil, types.ErrProtocol{Op: "scale a frame", State: "the scaler is closed"}
	}
	dst, err := frame.AllocVideo(s.dstPixFmt, s.dst.Width, s.dst.Height)
	if err != nil {
		return nil, err
	}
	if err := s.swsContext.ScaleFrame(src.Frame, dst.Frame); err != nil {
		dst.Release()
		return nil, fmt.Errorf("unable to scale a frame: %w", err)
	}
	dst.SetPts(src.Pts())
	dst.SetPktDts(src.PktDts())
	dst.SetDuration(src.Duration())
	return dst, nil
}

func (s *Software) SourceResolution() Resolution {
	return s.src
}

func (s *Software) SourcePixelFormat() astiav.PixelFormat {
	return s.srcPixFmt
}

func (s *Software) DestinationResolution() Resolution {
	return s.dst
}

func (s *Software) DestinationPixelFormat() astiav.PixelFormat {
	return s.dstPixFmt
}
