package codec

import (
	"context"
	"fmt"
	"strconv"

	"github.com/asticode/go-astiav"
	"github.com/dustin/go-humanize"
	"github.com/xaionaro-go/avtransmux/logger"
	"github.com/xaionaro-go/avtransmux/types"
	avtypes "github.com/xaionaro-go/avtransmux/types/astiav"
)

const (
	defaultSampleRate = 44100
)

// applyOptions applies the options the engine understands itself to the
// codec context and returns the rest.
func (e *Encoder) applyOptions(
	ctx context.Context,
	opts types.DictionaryItems,
) (_ types.DictionaryItems, _err error) {
	cc := e.codecContext
	var (
		rest          types.DictionaryItems
		timeBase      *types.Rational
		frameRate     *types.Rational
		hasPixFmt     bool
		hasSampleFmt  bool
		hasSampleRate bool
		hasChannels   bool
	)

	for _, opt := range opts.Deduplicate() {
		logger.Tracef(ctx, "encoder option %s=%s", opt.Key, opt.Value)
		switch opt.Key {
		case "time_base":
			r, err := types.RationalFromString(opt.Value)
			if err != nil {
				return nil, fmt.Errorf("invalid time_base: %w", err)
			}
			timeBase = r
		case "framerate", "r":
			r, err := types.RationalFromString(opt.Value)
			if err != nil {
				return nil, fmt.Errorf("invalid framerate: %w", err)
			}
			frameRate = r
			cc.SetFramerate(avtypes.RationalToAstiav(*r))
		case "video_size", "s":
			var w, h int
			if _, err := fmt.Sscanf(opt.Value, "%dx%d", &w, &h); err != nil {
				return nil, fmt.Errorf("invalid video_size '%s': %w", opt.Value, err)
			}
			cc.SetWidth(w)
			cc.SetHeight(h)
		case "pixel_format", "pix_fmt":
			pixFmt := astiav.FindPixelFormatByName(opt.Value)
			if pixFmt == astiav.PixelFormatNone {
				return nil, fmt.Errorf("unknown pixel format '%s'", opt.Value)
			}
			cc.SetPixelFormat(pixFmt)
			hasPixFmt = true
		case "sample_rate", "ar":
			v, err := strconv.Atoi(opt.Value)
			if err != nil {
				return nil, fmt.Errorf("invalid sample rate '%s': %w", opt.Value, err)
			}
			cc.SetSampleRate(v)
			hasSampleRate = true
		case "ac":
			switch opt.Value {
			case "1":
				cc.SetChannelLayout(astiav.ChannelLayoutMono)
			case "2":
				cc.SetChannelLayout(astiav.ChannelLayoutStereo)
			default:
				return nil, fmt.Errorf("unsupported ac option value '%s'", opt.Value)
			}
			hasChannels = true
		case "sample_fmt", "request_sample_fmt":
			sampleFmt, err := parseSampleFormat(opt.Value)
			if err != nil {
				return nil, err
			}
			cc.SetSampleFormat(sampleFmt)
			hasSampleFmt = true
		case "b":
			v, _, err := humanize.ParseSI(opt.Value)
			if err != nil {
				return nil, fmt.Errorf("invalid bitrate '%s': %w", opt.Value, err)
			}
			cc.SetBitRate(int64(v))
		case "g":
			v, err := strconv.Atoi(opt.Value)
			if err != nil {
				return nil, fmt.Errorf("invalid GOP size '%s': %w", opt.Value, err)
			}
			cc.SetGopSize(v)
		case "bf":
			v, err := strconv.Atoi(opt.Value)
			if err != nil {
				return nil, fmt.Errorf("invalid B-frames count '%s': %w", opt.Value, err)
			}
			cc.SetMaxBFrames(v)
		default:
			rest = append(rest, opt)
		}
	}

	switch cc.MediaType() {
	case astiav.MediaTypeVideo:
		if !hasPixFmt {
			if pixFmts := e.codec.PixelFormats(); len(pixFmts) > 0 {
				logger.Warnf(ctx, "pixel format is not set, so applying the first supported one: %s", pixFmts[0])
				cc.SetPixelFormat(pixFmts[0])
			}
		}
		if timeBase == nil && frameRate != nil {
			r := frameRate.Reverse()
			timeBase = &r
		}
	case astiav.MediaTypeAudio:
		if !hasSampleRate {
			cc.SetSampleRate(defaultSampleRate)
		}
		if !hasChannels {
			cc.SetChannelLayout(astiav.ChannelLayoutStereo)
		}
		if !hasSampleFmt {
			if sampleFmts := e.codec.SampleFormats(); len(sampleFmts) > 0 {
				cc.SetSampleFormat(sampleFmts[0])
			}
		}
		if timeBase == nil {
			timeBase = &types.Rational{Num: 1, Den: cc.SampleRate()}
		}
	}

	if timeBase == nil || timeBase.IsZero() {
		return nil, fmt.Errorf("time_base must be set")
	}
	cc.SetTimeBase(avtypes.RationalToAstiav(*timeBase))
	return rest, nil
}
