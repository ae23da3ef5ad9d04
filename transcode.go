package avtransmux

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/asticode/go-astiav"
	"github.com/facebookincubator/go-belt"
	"github.com/xaionaro-go/avtransmux/codec"
	"github.com/xaionaro-go/avtransmux/format"
	"github.com/xaionaro-go/avtransmux/frame"
	"github.com/xaionaro-go/avtransmux/hwaccel"
	"github.com/xaionaro-go/avtransmux/internal"
	"github.com/xaionaro-go/avtransmux/logger"
	"github.com/xaionaro-go/avtransmux/packet"
	"github.com/xaionaro-go/avtransmux/resampler"
	"github.com/xaionaro-go/avtransmux/scaler"
	"github.com/xaionaro-go/avtransmux/types"
	"github.com/xaionaro-go/typing"
)

const (
	defaultFramePoolSize       = 20
	defaultHardwareSwPixFormat = astiav.PixelFormatNv12
)

type TranscodeConfig struct {
	// StreamIndex is the input stream to transcode; the others are ignored.
	StreamIndex int

	// Decoder.HardwareDevice enables hardware decoding.
	Decoder codec.DecoderConfig

	// Encoder.StreamIndex and Encoder.HardwareFramePool are managed by
	// Transcode. When Encoder.Options has no time_base, the inverse of the
	// input frame rate is used (video) or 1/sample_rate (audio).
	Encoder codec.EncoderConfig

	// HardwareEncoder makes the encoder consume device-resident frames
	// from a frame pool on Decoder.HardwareDevice.
	HardwareEncoder bool

	// HardwareSoftwarePixelFormat is the host-side pixel format of the
	// encoder frame pool; NV12 if not set.
	HardwareSoftwarePixelFormat typing.Optional[astiav.PixelFormat]

	FramePoolSize int
}

func (cfg TranscodeConfig) hardwareSoftwarePixelFormat() astiav.PixelFormat {
	if cfg.HardwareSoftwarePixelFormat.IsSet() {
		return cfg.HardwareSoftwarePixelFormat.Get()
	}
	return defaultHardwareSwPixFormat
}

type transcoder struct {
	config TranscodeConfig
	input  *format.Input
	output *format.Output

	decoder       *codec.Decoder
	encoder       *codec.Encoder
	scaler        scaler.Scaler
	scalerChecked bool
	resampler     *resampler.Resampler
	framePool     *hwaccel.FramePool

	frameCount   int64
	packetsCount int64
}

// Transcode decodes one stream of the input, re-encodes it and writes it
// into the output. The encoder is created when the first frame is decoded,
// so its parameters follow the actual decoded pictures. The frames are
// renumbered sequentially.
func Transcode(
	ctx context.Context,
	in *format.Input,
	out *format.Output,
	cfg TranscodeConfig,
) (_err error) {
	ctx = belt.WithField(ctx, "stream_index", cfg.StreamIndex)
	logger.Debugf(ctx, "Transcode(ctx, %s, %s, '%s')", in, out, cfg.Encoder.CodecName)
	defer func() { logger.Debugf(ctx, "/Transcode(ctx, %s, %s, '%s'): %v", in, out, cfg.Encoder.CodecName, _err) }()

	if cfg.HardwareEncoder && cfg.Decoder.HardwareDevice == nil {
		return types.ErrNegotiation{Err: fmt.Errorf("a hardware encoder requires a hardware device")}
	}
	if cfg.FramePoolSize <= 0 {
		cfg.FramePoolSize = defaultFramePoolSize
	}

	decoder, err := in.NewDecoder(ctx, cfg.StreamIndex, cfg.Decoder)
	if err != nil {
		return fmt.Errorf("unable to open the decoder: %w", err)
	}
	t := &transcoder{
		config:  cfg,
		input:   in,
		output:  out,
		decoder: decoder,
	}
	defer func() {
		if err := t.close(ctx); err != nil {
			_err = errors.Join(_err, err)
		}
	}()

	pkt := packet.New()
	defer pkt.Release()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := in.Read(ctx, pkt)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if pkt.StreamIndex() != cfg.StreamIndex {
			continue
		}
		if err := t.sendPacket(ctx, pkt); err != nil {
			return err
		}
	}
	return t.finish(ctx)
}

func (t *transcoder) sendPacket(
	ctx context.Context,
	pkt *packet.Packet,
) error {
	for {
		err := t.decoder.SendPacket(ctx, pkt)
		switch {
		case err == nil:
			return t.receiveFrames(ctx)
		case errors.Is(err, types.ErrBufferFull):
			if err := t.receiveFrames(ctx); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unable to send a packet to the decoder: %w", err)
		}
	}
}

func (t *transcoder) receiveFrames(ctx context.Context) error {
	err := t.decoder.ReceiveFrames(ctx, func(f *frame.Frame) error {
		defer f.Release()
		return t.onFrame(ctx, f)
	})
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (t *transcoder) onFrame(
	ctx context.Context,
	f *frame.Frame,
) error {
	if t.encoder == nil {
		if err := t.initEncoder(ctx, f); err != nil {
			return err
		}
	}

	switch t.encoder.MediaType() {
	case astiav.MediaTypeAudio:
		internal.Assert(ctx, t.resampler != nil, "an audio encoder without a resampler")
		if err := t.resampler.SendFrame(ctx, f); err != nil {
			return err
		}
		return t.encodeResampled(ctx, t.resampler.ReceiveFrame)
	case astiav.MediaTypeVideo:
		in, err := t.prepareVideoFrame(ctx, f)
		if err != nil {
			return err
		}
		if in != f {
			defer in.Release()
		}
		in.SetPts(t.frameCount)
		t.frameCount++
		return t.encode(ctx, in)
	}
	return types.ErrNotImplemented{Err: fmt.Errorf("transcoding of %s", t.encoder.MediaType())}
}

func (t *transcoder) isHardwareFrame(f *frame.Frame) bool {
	dev := t.config.Decoder.HardwareDevice
	return dev != nil && f.PixelFormat() == dev.HardwarePixelFormat()
}

// prepareVideoFrame moves the picture to where the encoder expects it
// (device or host memory) and converts it to the encoder's format.
func (t *transcoder) prepareVideoFrame(
	ctx context.Context,
	f *frame.Frame,
) (*frame.Frame, error) {
	isHW := t.isHardwareFrame(f)
	switch {
	case t.framePool != nil && isHW:
		return f, nil
	case t.framePool != nil:
		return t.framePool.Upload(f)
	}

	in := f
	if isHW {
		downloaded, err := hwaccel.Download(f)
		if err != nil {
			return nil, err
		}
		in = downloaded
	}
	if !t.scalerChecked {
		t.scalerChecked = true
		if err := t.initScaler(ctx, in); err != nil {
			if in != f {
				in.Release()
			}
			return nil, err
		}
	}
	if t.scaler == nil {
		return in, nil
	}
	scaled, err := t.scaler.ScaleFrame(ctx, in)
	if in != f {
		in.Release()
	}
	return scaled, err
}

func (t *transcoder) initEncoder(
	ctx context.Context,
	f *frame.Frame,
) (_err error) {
	logger.Debugf(ctx, "initEncoder")
	defer func() { logger.Debugf(ctx, "/initEncoder: %v", _err) }()

	cfg := t.config.Encoder
	cfg.Options = append(types.DictionaryItems{}, cfg.Options...)
	setDefault := func(value string, keys ...string) {
		for _, key := range keys {
			if _, ok := cfg.Options.Get(key); ok {
				return
			}
		}
		cfg.Options = append(cfg.Options, types.DictionaryItem{Key: keys[0], Value: value})
	}

	isAudio := f.NbSamples() > 0 && f.Width() == 0
	if isAudio {
		setDefault(fmt.Sprintf("%d", f.SampleRate()), "ar", "sample_rate")
		if channels := f.ChannelLayout().Channels(); channels == 1 || channels == 2 {
			setDefault(fmt.Sprintf("%d", channels), "ac")
		}
	} else {
		setDefault(fmt.Sprintf("%dx%d", f.Width(), f.Height()), "video_size", "s")
		frameRate := t.input.FrameRate(t.config.StreamIndex)
		if frameRate.IsZero() {
			setDefault(t.input.TimeBase(t.config.StreamIndex).String(), "time_base", "framerate", "r")
		} else {
			setDefault(frameRate.Reverse().String(), "time_base", "framerate", "r")
		}
	}

	if t.config.HardwareEncoder {
		pool, err := t.config.Decoder.HardwareDevice.NewFramePool(
			ctx,
			t.config.hardwareSoftwarePixelFormat(),
			f.Width(), f.Height(),
			t.config.FramePoolSize,
		)
		if err != nil {
			return err
		}
		t.framePool = pool
		cfg.HardwareFramePool = pool
	} else if !isAudio && !t.isHardwareFrame(f) && encoderSupportsPixelFormat(cfg.CodecName, f.PixelFormat()) {
		setDefault(f.PixelFormat().String(), "pixel_format", "pix_fmt")
	}

	encoder, err := t.output.AddStreamEncoder(ctx, cfg)
	if err != nil {
		return fmt.Errorf("unable to initialize the encoder '%s': %w", cfg.CodecName, err)
	}
	t.encoder = encoder

	if isAudio {
		r, err := resampler.New(ctx, resampler.FormatFromCodecContext(encoder.CodecContext()))
		if err != nil {
			return err
		}
		t.resampler = r
	}
	return nil
}

// initScaler installs a scaler if the host-side pictures differ from what
// the encoder expects.
func (t *transcoder) initScaler(
	ctx context.Context,
	f *frame.Frame,
) error {
	cc := t.encoder.CodecContext()
	src := scaler.Resolution{Width: f.Width(), Height: f.Height()}
	dst := scaler.Resolution{Width: cc.Width(), Height: cc.Height()}
	if src == dst && f.PixelFormat() == cc.PixelFormat() {
		return nil
	}
	s, err := scaler.NewSoftware(ctx, src, f.PixelFormat(), dst, cc.PixelFormat(), astiav.SoftwareScaleContextFlagBilinear)
	if err != nil {
		return err
	}
	t.scaler = s
	return nil
}

func (t *transcoder) encodeResampled(
	ctx context.Context,
	receive func(context.Context, *frame.Frame) error,
) error {
	f := frame.New()
	defer f.Release()
	for {
		err := receive(ctx, f)
		if errors.Is(err, types.ErrNoDataYet) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		f.SetPts(types.Rescale(f.Pts(), t.resampler.TimeBase(), t.encoder.TimeBase()))
		if err := t.encode(ctx, f); err != nil {
			return err
		}
	}
}

func (t *transcoder) encode(
	ctx context.Context,
	f *frame.Frame,
) error {
	for {
		err := t.encoder.SendFrame(ctx, f)
		switch {
		case err == nil:
			return t.writePackets(ctx)
		case errors.Is(err, types.ErrBufferFull):
			if err := t.writePackets(ctx); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unable to send a frame to the encoder: %w", err)
		}
	}
}

func (t *transcoder) writePackets(ctx context.Context) error {
	return t.encoder.ReceivePackets(ctx, func(pkt *packet.Packet) error {
		defer pkt.Release()
		t.packetsCount++
		return t.output.Write(ctx, pkt)
	})
}

func (t *transcoder) finish(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "finish")
	defer func() { logger.Debugf(ctx, "/finish: %v", _err) }()

	if err := t.decoder.Flush(ctx); err != nil {
		return err
	}
	if err := t.receiveFrames(ctx); err != nil {
		return err
	}
	if t.encoder == nil {
		logger.Warnf(ctx, "no frames were decoded from stream #%d", t.config.StreamIndex)
		return nil
	}
	if t.resampler != nil {
		if err := t.encodeResampled(ctx, t.resampler.Flush); err != nil {
			return err
		}
	}
	if err := t.encoder.Flush(ctx); err != nil {
		return err
	}
	if err := t.writePackets(ctx); !errors.Is(err, io.EOF) {
		if err == nil {
			err = fmt.Errorf("the encoder is not drained after flushing")
		}
		return err
	}
	logger.Debugf(ctx, "transcoded %d frames into %d packets", t.frameCount, t.packetsCount)
	return nil
}

func (t *transcoder) close(ctx context.Context) error {
	var errs []error
	if t.scaler != nil {
		errs = append(errs, t.scaler.Close(ctx))
	}
	if t.resampler != nil {
		errs = append(errs, t.resampler.Close(ctx))
	}
	if t.framePool != nil {
		t.framePool.Release(ctx)
	}
	errs = append(errs, t.decoder.Close(ctx))
	return errors.Join(errs...)
}

func encoderSupportsPixelFormat(
	codecName string,
	pixFmt astiav.PixelFormat,
) bool {
	c := astiav.FindEncoderByName(codecName)
	if c == nil {
		return false
	}
	for _, supported := range c.PixelFormats() {
		if supported == pixFmt {
			return true
		}
	}
	return false
}
