package format

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"runtime/debug"

	"github.com/asticode/go-astiav"
	"github.com/davecgh/go-spew/spew"
	"github.com/facebookincubator/go-belt"
	"github.com/xaionaro-go/avtransmux/codec"
	"github.com/xaionaro-go/avtransmux/logger"
	"github.com/xaionaro-go/avtransmux/metrics"
	"github.com/xaionaro-go/avtransmux/packet"
	"github.com/xaionaro-go/avtransmux/types"
	avtypes "github.com/xaionaro-go/avtransmux/types/astiav"
	"github.com/xaionaro-go/avtransmux/urltools"
	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/secret"
	"github.com/xaionaro-go/xcontext"
	"github.com/xaionaro-go/xsync"
)

// FallbackFormat is used when the output format can be neither found by
// name nor guessed from the URL.
const FallbackFormat = "mpegts"

type OutputConfig struct {
	// Format forces the container format; by default it is derived from
	// the URL scheme or guessed from the file name.
	Format string

	// Options are passed to the protocol and to the muxer; the option "f"
	// is an alias of Format.
	Options types.DictionaryItems

	// StreamKey is appended to the URL path; it is never logged.
	StreamKey secret.String
}

// outputStream keeps copies of what is needed after Close, since the
// *astiav.Stream is freed together with the format context.
type outputStream struct {
	stream         *astiav.Stream
	index          int
	timeBase       types.Rational
	sourceTimeBase types.Rational
	encoder        *codec.Encoder
	packets        uint64
	bytes          uint64
}

type StreamStats struct {
	Index    int
	TimeBase types.Rational
	Packets  uint64
	Bytes    uint64
}

type Output struct {
	URL string

	locker        xsync.Mutex
	formatContext *astiav.FormatContext
	ioContext     *astiav.IOContext
	options       *astiav.Dictionary
	formatName    string
	streams       []*outputStream
	headerWritten bool
	closed        bool
}

// NewOutputFromURL allocates a muxer and opens its destination; the header
// is written by the first Write.
func NewOutputFromURL(
	ctx context.Context,
	urlString string,
	cfg OutputConfig,
) (_ret *Output, _err error) {
	ctx = belt.WithField(ctx, "output_url", urlString)
	logger.Debugf(ctx, "NewOutputFromURL(ctx, '%s', %s)", urlString, cfg.Options)
	defer func() { logger.Debugf(ctx, "/NewOutputFromURL(ctx, '%s', %s): %v", urlString, cfg.Options, _err) }()
	if urlString == "" {
		return nil, types.ErrOpen{Resource: "output", Err: fmt.Errorf("the provided URL is empty")}
	}

	u, err := url.Parse(urlString)
	if err != nil {
		return nil, types.ErrOpen{
			Resource: fmt.Sprintf("output '%s'", urlString),
			Err:      fmt.Errorf("unable to parse the URL: %w", err),
		}
	}
	urltools.WithDefaultPort(u)
	publicURL := u.String()
	urltools.WithStreamKey(u, cfg.StreamKey.Get())
	urlWithSecret := urlString
	if u.Scheme != "" {
		urlWithSecret = u.String()
	}

	formatName := cfg.Format
	opts := cfg.Options
	if v, ok := opts.Get("f"); ok {
		formatName = v
		opts = opts.Without("f")
	}
	if formatName == "" {
		formatName = urltools.FormatNameFromScheme(u)
	}
	switch u.Scheme {
	case "rtmp", "rtmps":
		if _, ok := opts.Get("flvflags"); !ok {
			opts = append(opts, types.DictionaryItem{Key: "flvflags", Value: "+no_duration_filesize"})
		}
	}

	o := &Output{
		URL:     publicURL,
		options: avtypes.DictionaryItemsToAstiav(ctx, opts),
	}
	if err := o.open(ctx, urlWithSecret, formatName); err != nil {
		return nil, types.ErrOpen{Resource: fmt.Sprintf("output '%s'", publicURL), Err: err}
	}
	return o, nil
}

func (o *Output) open(
	ctx context.Context,
	urlWithSecret string,
	formatName string,
) (_err error) {
	logger.Debugf(ctx, "open(ctx, url, '%s')", formatName)
	defer func() { logger.Debugf(ctx, "/open(ctx, url, '%s'): %v", formatName, _err) }()
	logger.Debugf(observability.OnInsecureDebug(ctx), "URL: %s", urlWithSecret)

	formatContext, err := astiav.AllocOutputFormatContext(nil, formatName, urlWithSecret)
	if err != nil || formatContext == nil {
		logger.Warnf(ctx, "unable to find the output format for '%s' (requested: '%s'; err: %v), falling back to '%s'", o.URL, formatName, err, FallbackFormat)
		formatContext, err = astiav.AllocOutputFormatContext(nil, FallbackFormat, urlWithSecret)
		if err != nil {
			return fmt.Errorf("unable to allocate the output format context: %w", err)
		}
		if formatContext == nil {
			return fmt.Errorf("unable to allocate the output format context")
		}
	}
	o.formatContext = formatContext
	o.formatName = formatContext.OutputFormat().Name()
	logger.Debugf(ctx, "output format name: '%s'", o.formatName)

	if formatContext.OutputFormat().Flags().Has(astiav.IOFormatFlagNofile) {
		return nil
	}
	ioContext, err := astiav.OpenIOContext(
		urlWithSecret,
		astiav.NewIOContextFlags(astiav.IOContextFlagWrite),
		nil,
		o.options,
	)
	if err != nil {
		formatContext.Free()
		o.formatContext = nil
		return fmt.Errorf("unable to open the IO context: %w", err)
	}
	o.ioContext = ioContext
	formatContext.SetPb(ioContext)
	return nil
}

func (o *Output) String() string {
	return fmt.Sprintf("Output(%s)", o.URL)
}

func (o *Output) FormatName() string {
	return o.formatName
}

// NeedsGlobalHeader tells if encoders feeding this output must put their
// headers into the extradata.
func (o *Output) NeedsGlobalHeader() bool {
	if o.formatContext == nil {
		return false
	}
	return o.formatContext.OutputFormat().Flags().Has(astiav.IOFormatFlagGlobalheader)
}

func (o *Output) addStreamLocked(
	ctx context.Context,
	op string,
) (*astiav.Stream, error) {
	switch {
	case o.closed:
		return nil, types.ErrProtocol{Op: op, State: "the output is closed"}
	case o.headerWritten:
		return nil, types.ErrProtocol{Op: op, State: "the header is already written"}
	}
	st := o.formatContext.NewStream(nil)
	if st == nil {
		return nil, fmt.Errorf("unable to allocate a new stream in %s", o)
	}
	return st, nil
}

// AddStreamCopy registers a passthrough stream with the codec parameters
// of the stream #index of the input. Packets sent to it are expected in
// the input stream's time base.
func (o *Output) AddStreamCopy(
	ctx context.Context,
	in *Input,
	index int,
) (_ret int, _err error) {
	logger.Debugf(ctx, "AddStreamCopy(ctx, %s, %d)", in, index)
	defer func() { logger.Debugf(ctx, "/AddStreamCopy(ctx, %s, %d): %d %v", in, index, _ret, _err) }()
	params := in.CodecParameters(index)
	if params == nil {
		return -1, fmt.Errorf("input '%s' has no stream #%d", in.URL, index)
	}
	return o.AddStreamFromParameters(ctx, params, in.TimeBase(index))
}

// AddStreamFromParameters is AddStreamCopy for parameters of any origin.
func (o *Output) AddStreamFromParameters(
	ctx context.Context,
	params *astiav.CodecParameters,
	sourceTimeBase types.Rational,
) (int, error) {
	return xsync.DoR2(ctx, &o.locker, func() (int, error) {
		st, err := o.addStreamLocked(ctx, "add a stream")
		if err != nil {
			return -1, err
		}
		if err := params.Copy(st.CodecParameters()); err != nil {
			return -1, fmt.Errorf("unable to copy the codec parameters: %w", err)
		}
		st.CodecParameters().SetCodecTag(0)
		st.SetTimeBase(avtypes.RationalToAstiav(sourceTimeBase))
		o.streams = append(o.streams, &outputStream{
			stream:         st,
			index:          st.Index(),
			timeBase:       sourceTimeBase,
			sourceTimeBase: sourceTimeBase,
		})
		logger.Debugf(ctx, "new output stream #%d: %s %s %s", st.Index(), st.CodecParameters().MediaType(), st.CodecParameters().CodecID(), sourceTimeBase)
		if logger.FromCtx(ctx).Level() >= logger.LevelTrace {
			logger.Tracef(ctx, "output stream #%d: %s", st.Index(), spew.Sdump(st.CodecParameters()))
		}
		return st.Index(), nil
	})
}

// AddStreamEncoder registers a stream fed by a new encoder; the output
// owns the encoder and closes it on Close. cfg.StreamIndex is overwritten.
func (o *Output) AddStreamEncoder(
	ctx context.Context,
	cfg codec.EncoderConfig,
) (_ret *codec.Encoder, _err error) {
	logger.Debugf(ctx, "AddStreamEncoder(ctx, '%s')", cfg.CodecName)
	defer func() { logger.Debugf(ctx, "/AddStreamEncoder(ctx, '%s'): %v", cfg.CodecName, _err) }()
	return xsync.DoR2(ctx, &o.locker, func() (*codec.Encoder, error) {
		switch {
		case o.closed:
			return nil, types.ErrProtocol{Op: "add an encoder stream", State: "the output is closed"}
		case o.headerWritten:
			return nil, types.ErrProtocol{Op: "add an encoder stream", State: "the header is already written"}
		}

		cfg.StreamIndex = o.formatContext.NbStreams()
		cfg.GlobalHeader = cfg.GlobalHeader || o.NeedsGlobalHeader()
		encoder, err := codec.NewEncoder(belt.WithField(ctx, "stream_index", cfg.StreamIndex), cfg)
		if err != nil {
			return nil, err
		}

		st, err := o.addStreamLocked(ctx, "add an encoder stream")
		if err == nil && st.Index() != cfg.StreamIndex {
			err = fmt.Errorf("internal error: expected stream index %d, got %d", cfg.StreamIndex, st.Index())
		}
		if err == nil {
			err = encoder.ToCodecParameters(st.CodecParameters())
		}
		if err != nil {
			_ = encoder.Close(ctx)
			return nil, err
		}
		tb := encoder.TimeBase()
		st.SetTimeBase(avtypes.RationalToAstiav(tb))
		o.streams = append(o.streams, &outputStream{
			stream:         st,
			index:          st.Index(),
			timeBase:       tb,
			sourceTimeBase: tb,
			encoder:        encoder,
		})
		logger.Debugf(ctx, "new output stream #%d fed by %s, time_base %s", st.Index(), encoder, tb)
		return encoder, nil
	})
}

func (o *Output) NbStreams() int {
	return xsync.DoR1(xsync.WithNoLogging(context.TODO(), true), &o.locker, func() int {
		return len(o.streams)
	})
}

// TimeBase returns the time base of the output stream; it may change when
// the header is written.
func (o *Output) TimeBase(index int) types.Rational {
	return xsync.DoR1(xsync.WithNoLogging(context.TODO(), true), &o.locker, func() types.Rational {
		if index < 0 || index >= len(o.streams) {
			return types.Rational{}
		}
		return o.streams[index].timeBase
	})
}

func (o *Output) HeaderWritten() bool {
	return xsync.DoR1(xsync.WithNoLogging(context.TODO(), true), &o.locker, func() bool {
		return o.headerWritten
	})
}

func (o *Output) writeHeaderLocked(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "writing the header of %s", o)
	defer func() { logger.Debugf(ctx, "/writing the header of %s: %v", o, _err) }()
	if len(o.streams) == 0 {
		return types.ErrProtocol{Op: "write the header", State: "no streams are registered"}
	}
	if err := o.formatContext.WriteHeader(o.options); err != nil {
		return fmt.Errorf("unable to write the header: %w", err)
	}
	avtypes.WarnUnusedOptions(ctx, o.options)
	o.headerWritten = true
	metrics.OutputHeadersWritten.WithLabelValues(o.formatName).Inc()
	for _, st := range o.streams {
		st.timeBase = avtypes.RationalFromAstiav(st.stream.TimeBase())
		logger.Debugf(ctx, "output stream #%d: time_base %s -> %s", st.index, st.sourceTimeBase, st.timeBase)
	}
	return nil
}

// Write rescales the packet from the time base recorded for its stream to
// the output stream's time base and hands it to the interleaver. The
// packet is consumed: it is left empty on return.
func (o *Output) Write(
	ctx context.Context,
	pkt *packet.Packet,
) error {
	return o.write(ctx, pkt, true)
}

// WriteRescaled is Write for packets already in the output stream's
// time base.
func (o *Output) WriteRescaled(
	ctx context.Context,
	pkt *packet.Packet,
) error {
	return o.write(ctx, pkt, false)
}

func (o *Output) write(
	ctx context.Context,
	pkt *packet.Packet,
	rescale bool,
) error {
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), &o.locker, func() error {
		if o.closed {
			return types.ErrProtocol{Op: "write", State: "the output is closed"}
		}
		streamIndex := pkt.StreamIndex()
		if streamIndex < 0 || streamIndex >= len(o.streams) {
			return fmt.Errorf("%s has no stream #%d", o, streamIndex)
		}
		if !o.headerWritten {
			if err := o.writeHeaderLocked(ctx); err != nil {
				return err
			}
		}
		st := o.streams[streamIndex]
		if rescale {
			dst := st.timeBase
			pkt.SetPts(types.Rescale(pkt.Pts(), st.sourceTimeBase, dst))
			pkt.SetDts(types.Rescale(pkt.Dts(), st.sourceTimeBase, dst))
			pkt.SetDuration(types.Rescale(pkt.Duration(), st.sourceTimeBase, dst))
		}
		pkt.SetPos(-1)

		logger.Tracef(ctx,
			"writing a packet (stream:%d, pts:%d, dts:%d, dur:%d), dataLen:%d",
			streamIndex, pkt.Pts(), pkt.Dts(), pkt.Duration(), pkt.Size(),
		)
		size := pkt.Size()
		if err := o.formatContext.WriteInterleavedFrame(pkt.Packet); err != nil {
			return fmt.Errorf("unable to write a packet to stream #%d of %s: %w", streamIndex, o, err)
		}
		st.packets++
		st.bytes += uint64(size)
		metrics.OutputPacketsWritten.WithLabelValues(o.formatName).Inc()
		metrics.OutputBytesWritten.WithLabelValues(o.formatName).Add(float64(size))
		return nil
	})
}

func (o *Output) Stats() []StreamStats {
	return xsync.DoR1(xsync.WithNoLogging(context.TODO(), true), &o.locker, func() []StreamStats {
		result := make([]StreamStats, 0, len(o.streams))
		for _, st := range o.streams {
			result = append(result, StreamStats{
				Index:    st.index,
				TimeBase: st.timeBase,
				Packets:  st.packets,
				Bytes:    st.bytes,
			})
		}
		return result
	})
}

// Close writes the trailer (only if the header was written), closes the
// encoders added by AddStreamEncoder and releases the destination.
// It is idempotent and is not interrupted by a cancelled context.
func (o *Output) Close(
	ctx context.Context,
) (_err error) {
	ctx = xcontext.DetachDone(ctx)
	logger.Debugf(ctx, "Close %s", o)
	defer func() { logger.Debugf(ctx, "/Close %s: %v", o, _err) }()
	return xsync.DoR1(ctx, &o.locker, func() error {
		if o.closed {
			return nil
		}
		o.closed = true

		var result []error
		if o.headerWritten {
			err := func() (_err error) {
				defer func() {
					if r := recover(); r != nil {
						_err = fmt.Errorf("got panic: %v:\n%s", r, debug.Stack())
					}
				}()
				belt.Flush(ctx)
				return o.formatContext.WriteTrailer()
			}()
			if err != nil {
				result = append(result, fmt.Errorf("unable to write the trailer: %w", err))
			} else {
				metrics.OutputTrailersWritten.WithLabelValues(o.formatName).Inc()
			}
		}
		for _, st := range o.streams {
			if st.encoder == nil {
				continue
			}
			if err := st.encoder.Close(ctx); err != nil {
				result = append(result, fmt.Errorf("unable to close the encoder of stream #%d: %w", st.index, err))
			}
		}
		if o.ioContext != nil {
			if err := o.ioContext.Close(); err != nil {
				result = append(result, fmt.Errorf("unable to close the IO context: %w", err))
			}
			o.ioContext = nil
		}
		for _, st := range o.streams {
			st.stream = nil
		}
		o.formatContext.Free()
		o.formatContext = nil
		return errors.Join(result...)
	})
}
