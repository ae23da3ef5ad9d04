// Package resampler converts decoded audio into the sample format, rate and
// layout an encoder expects, and cuts it into chunks of the encoder's
// frame size.
package resampler

import (
	"context"
	"fmt"
	"io"

	"github.com/asticode/go-astiav"
	"github.com/xaionaro-go/avtransmux/frame"
	"github.com/xaionaro-go/avtransmux/logger"
	"github.com/xaionaro-go/avtransmux/types"
)

// DefaultChunkSize is used for encoders which accept frames of any size.
const DefaultChunkSize = 1024

type PCMFormat struct {
	SampleFormat  astiav.SampleFormat
	SampleRate    int
	ChannelLayout astiav.ChannelLayout
	ChunkSize     int
}

func (f PCMFormat) Equal(other PCMFormat) bool {
	return f.SampleFormat == other.SampleFormat &&
		f.SampleRate == other.SampleRate &&
		f.ChannelLayout.Equal(other.ChannelLayout) &&
		f.ChunkSize == other.ChunkSize
}

func (f PCMFormat) String() string {
	return fmt.Sprintf("%s %dHz %s", f.SampleFormat, f.SampleRate, f.ChannelLayout)
}

// FormatFromCodecContext describes the input an audio encoder expects.
func FormatFromCodecContext(cc *astiav.CodecContext) PCMFormat {
	chunkSize := cc.FrameSize()
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return PCMFormat{
		SampleFormat:  cc.SampleFormat(),
		SampleRate:    cc.SampleRate(),
		ChannelLayout: cc.ChannelLayout(),
		ChunkSize:     chunkSize,
	}
}

func FormatFromFrame(f *frame.Frame) *PCMFormat {
	if f == nil || f.Frame == nil {
		return nil
	}
	return &PCMFormat{
		SampleFormat:  f.SampleFormat(),
		SampleRate:    f.SampleRate(),
		ChannelLayout: f.ChannelLayout(),
		ChunkSize:     f.NbSamples(),
	}
}

type Resampler struct {
	FormatOutput PCMFormat
	FormatInput  *PCMFormat

	audioFifo      *astiav.AudioFifo
	swrContext     *astiav.SoftwareResampleContext
	resampledFrame *frame.Frame
	samplesOut     int64
	drained        bool
}

func New(
	ctx context.Context,
	out PCMFormat,
) (_ret *Resampler, _err error) {
	logger.Debugf(ctx, "resampler.New(ctx, %s, chunk:%d)", out, out.ChunkSize)
	defer func() { logger.Debugf(ctx, "/resampler.New(ctx, %s, chunk:%d): %v", out, out.ChunkSize, _err) }()
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultChunkSize
	}

	fifo := astiav.AllocAudioFifo(out.SampleFormat, out.ChannelLayout.Channels(), out.ChunkSize)
	if fifo == nil {
		return nil, fmt.Errorf("unable to allocate an audio FIFO")
	}
	swrCtx := astiav.AllocSoftwareResampleContext()
	if swrCtx == nil {
		fifo.Free()
		return nil, fmt.Errorf("unable to allocate a resample context")
	}
	return &Resampler{
		FormatOutput:   out,
		audioFifo:      fifo,
		swrContext:     swrCtx,
		resampledFrame: frame.New(),
	}, nil
}

func (r *Resampler) String() string {
	return fmt.Sprintf("Resampler<%s>", r.FormatOutput)
}

// SendFrame converts the samples of the frame and buffers them. The input
// format must not change between calls.
func (r *Resampler) SendFrame(
	ctx context.Context,
	in *frame.Frame,
) (_err error) {
	logger.Tracef(ctx, "SendFrame: %d samples", in.NbSamples())
	defer func() { logger.Tracef(ctx, "/SendFrame: %v", _err) }()
	switch {
	case r.swrContext == nil:
		return types.ErrProtocol{Op: "send frame", State: "the resampler is closed"}
	case r.drained:
		return types.ErrProtocol{Op: "send frame", State: "the resampler is flushed"}
	}

	inFmt := FormatFromFrame(in)
	if r.FormatInput == nil {
		logger.Debugf(ctx, "resampling %s -> %s", inFmt, r.FormatOutput)
		r.FormatInput = inFmt
	} else {
		inFmt.ChunkSize = r.FormatInput.ChunkSize
		if !inFmt.Equal(*r.FormatInput) {
			return fmt.Errorf("input frame format changed: %s -> %s: %w", r.FormatInput, inFmt, astiav.ErrInputChanged)
		}
	}

	return r.convert(in.Frame)
}

// convert resamples into the FIFO; a nil input drains the samples delayed
// inside swresample.
func (r *Resampler) convert(in *astiav.Frame) error {
	out := r.resampledFrame
	out.Unref()
	out.SetSampleFormat(r.FormatOutput.SampleFormat)
	out.SetSampleRate(r.FormatOutput.SampleRate)
	out.SetChannelLayout(r.FormatOutput.ChannelLayout)
	if err := r.swrContext.ConvertFrame(in, out.Frame); err != nil {
		return fmt.Errorf("unable to convert the frame: %w", err)
	}
	if out.NbSamples() == 0 {
		return nil
	}
	if _, err := r.audioFifo.Write(out.Frame); err != nil {
		return fmt.Errorf("unable to write to the audio FIFO: %w", err)
	}
	return nil
}

// Buffered is the number of converted samples waiting to be received.
func (r *Resampler) Buffered() int {
	if r.audioFifo == nil {
		return 0
	}
	return r.audioFifo.Size()
}

func (r *Resampler) receiveFrame(
	ctx context.Context,
	f *frame.Frame,
	minSize int,
) error {
	if r.audioFifo == nil {
		return types.ErrProtocol{Op: "receive frame", State: "the resampler is closed"}
	}
	size := r.audioFifo.Size()
	switch {
	case size == 0:
		if minSize == 0 {
			return io.EOF
		}
		return types.ErrNoDataYet
	case size < minSize:
		return types.ErrNoDataYet
	}

	f.Unref()
	f.SetSampleFormat(r.FormatOutput.SampleFormat)
	f.SetSampleRate(r.FormatOutput.SampleRate)
	f.SetChannelLayout(r.FormatOutput.ChannelLayout)
	f.SetNbSamples(r.FormatOutput.ChunkSize)
	if err := f.AllocBuffer(0); err != nil {
		return fmt.Errorf("unable to allocate an audio frame: %w", err)
	}
	n, err := r.audioFifo.Read(f.Frame)
	if err != nil {
		return fmt.Errorf("unable to read from the audio FIFO: %w", err)
	}
	if n < minSize {
		logger.Errorf(ctx, "read less samples than requested: %d < %d", n, minSize)
	}
	f.SetNbSamples(n)
	f.SetPts(r.samplesOut)
	r.samplesOut += int64(n)
	return nil
}

// ReceiveFrame overwrites f with exactly one chunk of samples; its pts is
// the count of samples emitted before it (time base 1/SampleRate).
// It returns types.ErrNoDataYet if less than a chunk is buffered.
func (r *Resampler) ReceiveFrame(
	ctx context.Context,
	f *frame.Frame,
) error {
	return r.receiveFrame(ctx, f, r.FormatOutput.ChunkSize)
}

// Flush is ReceiveFrame which also emits the samples still delayed by the
// conversion and the last incomplete chunk; it returns io.EOF when nothing
// is left. Frames cannot be sent after a Flush which had something to drain.
func (r *Resampler) Flush(
	ctx context.Context,
	f *frame.Frame,
) error {
	if r.swrContext == nil {
		return types.ErrProtocol{Op: "flush", State: "the resampler is closed"}
	}
	if r.FormatInput != nil && !r.drained {
		r.drained = true
		if err := r.convert(nil); err != nil {
			return fmt.Errorf("unable to drain the resampler: %w", err)
		}
		logger.Debugf(ctx, "drained the resampler, %d samples are buffered", r.audioFifo.Size())
	}
	return r.receiveFrame(ctx, f, 0)
}

func (r *Resampler) TimeBase() types.Rational {
	return types.Rational{Num: 1, Den: r.FormatOutput.SampleRate}
}

// Close frees the resampler; it is idempotent.
func (r *Resampler) Close(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Close %s", r)
	defer func() { logger.Debugf(ctx, "/Close %s: %v", r, _err) }()
	if r.audioFifo != nil {
		r.audioFifo.Free()
		r.audioFifo = nil
	}
	if r.swrContext != nil {
		r.swrContext.Free()
		r.swrContext = nil
	}
	if r.resampledFrame != nil {
		r.resampledFrame.Release()
		r.resampledFrame = nil
	}
	return nil
}
