// Package format provides the demuxer (Input) and the muxer (Output).
package format

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/davecgh/go-spew/spew"
	"github.com/facebookincubator/go-belt"
	"github.com/xaionaro-go/avtransmux/codec"
	"github.com/xaionaro-go/avtransmux/logger"
	"github.com/xaionaro-go/avtransmux/metrics"
	"github.com/xaionaro-go/avtransmux/packet"
	"github.com/xaionaro-go/avtransmux/types"
	avtypes "github.com/xaionaro-go/avtransmux/types/astiav"
	"github.com/xaionaro-go/secret"
	"github.com/xaionaro-go/typing"
	"github.com/xaionaro-go/xcontext"
	"github.com/xaionaro-go/xsync"
	"go.uber.org/atomic"
)

type InputConfig struct {
	// Format forces the container/device format (e.g. "s16le", "v4l2");
	// by default it is probed.
	Format string

	// Options are passed to the demuxer and the protocol; the unused ones
	// are reported as warnings.
	Options types.DictionaryItems

	// AuthKey is appended to the URL (e.g. a stream key); it is never logged.
	AuthKey secret.String

	// RealtimeStart makes the input derive the wall-clock time of PTS zero
	// from the arrival time of the first packet.
	RealtimeStart bool

	// StartTimeRealtime sets the wall-clock time (in microseconds since
	// the Unix epoch) of PTS zero explicitly.
	StartTimeRealtime typing.Optional[int64]
}

type Input struct {
	URL string

	locker            xsync.Mutex
	formatContext     *astiav.FormatContext
	formatName        string
	config            InputConfig
	startTimeRealtime atomic.Int64
	closed            bool
}

// NewInputFromURL opens a demuxer and probes its streams.
func NewInputFromURL(
	ctx context.Context,
	urlString string,
	cfg InputConfig,
) (_ret *Input, _err error) {
	ctx = belt.WithField(ctx, "input_url", urlString)
	logger.Debugf(ctx, "NewInputFromURL(ctx, '%s', %s)", urlString, cfg.Options)
	defer func() { logger.Debugf(ctx, "/NewInputFromURL(ctx, '%s', %s): %v", urlString, cfg.Options, _err) }()
	if urlString == "" {
		return nil, types.ErrOpen{Resource: "input", Err: fmt.Errorf("the provided URL is empty")}
	}

	i := &Input{
		URL:    urlString,
		config: cfg,
	}
	i.startTimeRealtime.Store(types.NoPTSValue)
	if cfg.StartTimeRealtime.IsSet() {
		i.startTimeRealtime.Store(cfg.StartTimeRealtime.Get())
	}

	var inputFormat *astiav.InputFormat
	if cfg.Format != "" {
		inputFormat = astiav.FindInputFormat(cfg.Format)
		if inputFormat == nil {
			logger.Errorf(ctx, "unable to find input format by name '%s'", cfg.Format)
			return nil, types.ErrOpen{
				Resource: fmt.Sprintf("input '%s'", urlString),
				Err:      fmt.Errorf("unknown input format '%s'", cfg.Format),
			}
		}
		logger.Debugf(ctx, "using format '%s'", inputFormat.Name())
	}

	i.formatContext = astiav.AllocFormatContext()
	if i.formatContext == nil {
		return nil, types.ErrOpen{
			Resource: fmt.Sprintf("input '%s'", urlString),
			Err:      fmt.Errorf("unable to allocate a format context"),
		}
	}

	urlWithSecret := urlString
	if cfg.AuthKey.Get() != "" {
		urlWithSecret += cfg.AuthKey.Get()
	}
	dict := avtypes.DictionaryItemsToAstiav(ctx, cfg.Options)
	if err := i.formatContext.OpenInput(urlWithSecret, inputFormat, dict); err != nil {
		i.formatContext.Free()
		logger.Errorf(ctx, "cannot open input '%s': %v", urlString, err)
		return nil, types.ErrOpen{Resource: fmt.Sprintf("input '%s'", urlString), Err: err}
	}
	avtypes.WarnUnusedOptions(ctx, dict)

	if err := i.formatContext.FindStreamInfo(nil); err != nil {
		i.formatContext.CloseInput()
		i.formatContext.Free()
		i.formatContext = nil
		return nil, types.ErrOpen{
			Resource: fmt.Sprintf("input '%s'", urlString),
			Err:      fmt.Errorf("unable to get stream info: %w", err),
		}
	}
	i.formatName = i.formatContext.InputFormat().Name()

	for _, stream := range i.formatContext.Streams() {
		logger.Debugf(ctx, "input stream #%d: %s %s time_base:%s", stream.Index(), stream.CodecParameters().MediaType(), stream.CodecParameters().CodecID(), stream.TimeBase())
		if logger.FromCtx(ctx).Level() >= logger.LevelTrace {
			logger.Tracef(ctx, "input stream #%d: %s", stream.Index(), spew.Sdump(stream.CodecParameters()))
		}
	}
	return i, nil
}

func (i *Input) String() string {
	return fmt.Sprintf("Input(%s)", i.URL)
}

func (i *Input) FormatName() string {
	return i.formatName
}

// Read overwrites pkt with the next packet of any stream, in source order.
// It returns io.EOF at the end of the input.
func (i *Input) Read(
	ctx context.Context,
	pkt *packet.Packet,
) error {
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), &i.locker, func() error {
		if i.closed {
			return types.ErrProtocol{Op: "read", State: "the input is closed"}
		}
		pkt.Unref()
		err := i.formatContext.ReadFrame(pkt.Packet)
		switch {
		case err == nil:
		case errors.Is(err, astiav.ErrEof), errors.Is(err, astiav.ErrEio):
			return io.EOF
		default:
			return fmt.Errorf("unable to read a packet from '%s': %w", i.URL, err)
		}

		logger.Tracef(ctx,
			"read a packet (stream:%d, pos:%d, pts:%d, dts:%d, dur:%d), dataLen:%d",
			pkt.StreamIndex(), pkt.Pos(), pkt.Pts(), pkt.Dts(), pkt.Duration(), pkt.Size(),
		)
		metrics.InputPacketsRead.WithLabelValues(i.formatName).Inc()
		metrics.InputBytesRead.WithLabelValues(i.formatName).Add(float64(pkt.Size()))
		if i.config.RealtimeStart && i.startTimeRealtime.Load() == types.NoPTSValue {
			i.observeRealtimeStart(ctx, pkt)
		}
		return nil
	})
}

func (i *Input) observeRealtimeStart(
	ctx context.Context,
	pkt *packet.Packet,
) {
	pts := pkt.Pts()
	if pts == types.NoPTSValue {
		return
	}
	tb := i.timeBaseLocked(pkt.StreamIndex())
	if tb.IsZero() {
		return
	}
	realtime := time.Now().UnixMicro() - types.Rescale(pts, tb, types.TimeBaseMicroseconds)
	logger.Debugf(ctx, "the wall-clock time of PTS zero of '%s' is %d", i.URL, realtime)
	i.startTimeRealtime.Store(realtime)
}

// StartTimeRealtime returns the wall-clock time (in microseconds since the
// Unix epoch) of PTS zero, or types.NoPTSValue if the input did not tell.
func (i *Input) StartTimeRealtime() int64 {
	return i.startTimeRealtime.Load()
}

func (i *Input) streamsLocked() []*astiav.Stream {
	if i.closed {
		return nil
	}
	return i.formatContext.Streams()
}

func (i *Input) streamLocked(index int) *astiav.Stream {
	streams := i.streamsLocked()
	if index < 0 || index >= len(streams) {
		return nil
	}
	return streams[index]
}

func (i *Input) timeBaseLocked(index int) types.Rational {
	stream := i.streamLocked(index)
	if stream == nil {
		return types.Rational{}
	}
	return avtypes.RationalFromAstiav(stream.TimeBase())
}

// NbStreams returns zero after Close.
func (i *Input) NbStreams() int {
	return xsync.DoR1(xsync.WithNoLogging(context.TODO(), true), &i.locker, func() int {
		return len(i.streamsLocked())
	})
}

// Stream returns nil for a non-existing stream or after Close. The
// returned stream is valid until Close.
func (i *Input) Stream(index int) *astiav.Stream {
	return xsync.DoR1(xsync.WithNoLogging(context.TODO(), true), &i.locker, func() *astiav.Stream {
		return i.streamLocked(index)
	})
}

// TimeBase returns the time base of the stream's packets; it is zero for
// a non-existing stream.
func (i *Input) TimeBase(index int) types.Rational {
	return xsync.DoR1(xsync.WithNoLogging(context.TODO(), true), &i.locker, func() types.Rational {
		return i.timeBaseLocked(index)
	})
}

// FrameRate returns the guessed frame rate of a video stream.
func (i *Input) FrameRate(index int) types.Rational {
	return xsync.DoR1(xsync.WithNoLogging(context.TODO(), true), &i.locker, func() types.Rational {
		stream := i.streamLocked(index)
		if stream == nil {
			return types.Rational{}
		}
		return avtypes.RationalFromAstiav(i.formatContext.GuessFrameRate(stream, nil))
	})
}

// CodecParameters are valid until Close; nil after it.
func (i *Input) CodecParameters(index int) *astiav.CodecParameters {
	return xsync.DoR1(xsync.WithNoLogging(context.TODO(), true), &i.locker, func() *astiav.CodecParameters {
		stream := i.streamLocked(index)
		if stream == nil {
			return nil
		}
		return stream.CodecParameters()
	})
}

// StreamIndex returns the index of the n-th stream of the given media
// type, or -1.
func (i *Input) StreamIndex(mediaType astiav.MediaType, n int) int {
	return xsync.DoR1(xsync.WithNoLogging(context.TODO(), true), &i.locker, func() int {
		for _, stream := range i.streamsLocked() {
			if stream.CodecParameters().MediaType() != mediaType {
				continue
			}
			if n == 0 {
				return stream.Index()
			}
			n--
		}
		return -1
	})
}

func (i *Input) VideoStreamIndex(n int) int {
	return i.StreamIndex(astiav.MediaTypeVideo, n)
}

func (i *Input) AudioStreamIndex(n int) int {
	return i.StreamIndex(astiav.MediaTypeAudio, n)
}

// NewDecoder opens a decoder for the stream; the caller owns it.
func (i *Input) NewDecoder(
	ctx context.Context,
	index int,
	cfg codec.DecoderConfig,
) (*codec.Decoder, error) {
	ctx = belt.WithField(ctx, "stream_index", index)
	return xsync.DoR2(ctx, &i.locker, func() (*codec.Decoder, error) {
		if i.closed {
			return nil, types.ErrProtocol{Op: "open a decoder", State: "the input is closed"}
		}
		stream := i.streamLocked(index)
		if stream == nil {
			return nil, fmt.Errorf("input '%s' has no stream #%d", i.URL, index)
		}
		return codec.NewDecoder(ctx, stream.CodecParameters(), i.timeBaseLocked(index), cfg)
	})
}

// Close closes the input; it is idempotent.
func (i *Input) Close(ctx context.Context) error {
	ctx = xcontext.DetachDone(ctx)
	return xsync.DoR1(ctx, &i.locker, func() error {
		if i.closed {
			return nil
		}
		logger.Debugf(ctx, "closing %s", i)
		i.closed = true
		i.formatContext.CloseInput()
		i.formatContext.Free()
		i.formatContext = nil
		return nil
	})
}
