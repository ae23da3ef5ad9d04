package format

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/avtransmux/codec"
	"github.com/xaionaro-go/avtransmux/frame"
	"github.com/xaionaro-go/avtransmux/logger"
	"github.com/xaionaro-go/avtransmux/metrics"
	"github.com/xaionaro-go/avtransmux/packet"
	"github.com/xaionaro-go/avtransmux/types"
)

const (
	testWidth  = 320
	testHeight = 240
)

func testCtx(t *testing.T) context.Context {
	l := logrus.Default().WithLevel(logger.LevelWarning)
	ctx := logger.CtxWithLogger(context.Background(), l)
	logger.SetupLibAVLogging(ctx)
	return ctx
}

// writeTestFile encodes frameCount synthetic frames with time base 1/25
// into a Matroska file; with bypassRescale every second packet is rescaled
// by the caller and written with WriteRescaled.
func writeTestFile(
	t *testing.T,
	ctx context.Context,
	path string,
	frameCount int,
	bypassRescale bool,
) {
	out, err := NewOutputFromURL(ctx, path, OutputConfig{})
	require.NoError(t, err)
	defer func() { require.NoError(t, out.Close(ctx)) }()
	require.Equal(t, "matroska", out.FormatName())

	enc, err := out.AddStreamEncoder(ctx, codec.EncoderConfig{
		CodecName: "mpeg4",
		Options:   types.ParseDictionaryItems("video_size=320x240:pixel_format=yuv420p:time_base=1/25:bf=0:g=10"),
	})
	if types.IsOpenFailure(err) {
		t.Skipf("mpeg4 encoder is not available: %v", err)
	}
	require.NoError(t, err)
	require.Equal(t, 0, enc.StreamIndex())
	require.False(t, out.HeaderWritten())

	written := 0
	write := func(pkt *packet.Packet) error {
		defer pkt.Release()
		if bypassRescale && written%2 == 1 {
			tb := out.TimeBase(pkt.StreamIndex())
			pkt.SetPts(types.Rescale(pkt.Pts(), enc.TimeBase(), tb))
			pkt.SetDts(types.Rescale(pkt.Dts(), enc.TimeBase(), tb))
			pkt.SetDuration(types.Rescale(pkt.Duration(), enc.TimeBase(), tb))
			written++
			return out.WriteRescaled(ctx, pkt)
		}
		written++
		return out.Write(ctx, pkt)
	}

	for i := 0; i < frameCount; i++ {
		f, err := enc.NewFrame()
		require.NoError(t, err)
		require.NoError(t, frame.FillTestPattern(f, i, testWidth, testHeight))
		require.NoError(t, enc.SendFrame(ctx, f))
		f.Release()
		require.NoError(t, enc.ReceivePackets(ctx, write))
	}
	require.NoError(t, enc.Flush(ctx))
	require.ErrorIs(t, enc.ReceivePackets(ctx, write), io.EOF)
	require.True(t, out.HeaderWritten())
	require.Equal(t, frameCount, written)

	stats := out.Stats()
	require.Len(t, stats, 1)
	require.Equal(t, uint64(frameCount), stats[0].Packets)
	require.NotZero(t, stats[0].Bytes)
	tb := out.TimeBase(0)
	require.False(t, tb.IsZero())

	trailersBefore := testutil.ToFloat64(metrics.OutputTrailersWritten.WithLabelValues("matroska"))
	require.NoError(t, out.Close(ctx))
	require.NoError(t, out.Close(ctx))
	require.Equal(t, trailersBefore+1, testutil.ToFloat64(metrics.OutputTrailersWritten.WithLabelValues("matroska")))

	// the bookkeeping stays readable after the format context is freed
	require.Equal(t, stats, out.Stats())
	require.Equal(t, tb, out.TimeBase(0))
	require.Equal(t, 1, out.NbStreams())
	require.False(t, out.NeedsGlobalHeader())
}

func readTestFile(
	t *testing.T,
	ctx context.Context,
	path string,
) []int64 {
	in, err := NewInputFromURL(ctx, path, InputConfig{})
	require.NoError(t, err)
	defer func() { require.NoError(t, in.Close(ctx)) }()

	require.Equal(t, 1, in.NbStreams())
	require.Equal(t, 0, in.VideoStreamIndex(0))
	require.Equal(t, -1, in.VideoStreamIndex(1))
	require.Equal(t, -1, in.AudioStreamIndex(0))
	require.Equal(t, types.NoPTSValue, in.StartTimeRealtime())

	dec, err := in.NewDecoder(ctx, 0, codec.DecoderConfig{})
	require.NoError(t, err)
	defer dec.Close(ctx)

	streamTB := in.TimeBase(0)
	frameTB := types.Rational{Num: 1, Den: 25}
	var ptss []int64
	collect := func(f *frame.Frame) error {
		defer f.Release()
		require.Equal(t, testWidth, f.Width())
		require.Equal(t, testHeight, f.Height())
		ptss = append(ptss, types.Rescale(f.Pts(), streamTB, frameTB))
		return nil
	}

	pkt := packet.New()
	defer pkt.Release()
	for {
		err := in.Read(ctx, pkt)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		require.Equal(t, 0, pkt.StreamIndex())
		require.NoError(t, dec.SendPacket(ctx, pkt))
		require.NoError(t, dec.ReceiveFrames(ctx, collect))
	}
	require.NoError(t, dec.Flush(ctx))
	require.ErrorIs(t, dec.ReceiveFrames(ctx, collect), io.EOF)
	return ptss
}

func TestEncodeMuxDemuxDecode(t *testing.T) {
	for _, bypass := range []bool{false, true} {
		t.Run(map[bool]string{false: "rescaled", true: "bypass"}[bypass], func(t *testing.T) {
			ctx := testCtx(t)
			const frameCount = 100
			path := filepath.Join(t.TempDir(), "out.mkv")

			trailersBefore := testutil.ToFloat64(metrics.OutputTrailersWritten.WithLabelValues("matroska"))
			writeTestFile(t, ctx, path, frameCount, bypass)
			require.Equal(t, trailersBefore+1, testutil.ToFloat64(metrics.OutputTrailersWritten.WithLabelValues("matroska")))

			ptss := readTestFile(t, ctx, path)
			require.Len(t, ptss, frameCount)
			for i, pts := range ptss {
				require.Equal(t, int64(i), pts)
			}
		})
	}
}

func TestOutputCloseWithoutHeader(t *testing.T) {
	ctx := testCtx(t)
	path := filepath.Join(t.TempDir(), "empty.mkv")

	out, err := NewOutputFromURL(ctx, path, OutputConfig{
		Options: types.ParseDictionaryItems("no_such_option=1"),
	})
	require.NoError(t, err)
	headersBefore := testutil.ToFloat64(metrics.OutputHeadersWritten.WithLabelValues("matroska"))
	trailersBefore := testutil.ToFloat64(metrics.OutputTrailersWritten.WithLabelValues("matroska"))

	pkt := packet.New()
	defer pkt.Release()
	require.Error(t, out.Write(ctx, pkt))
	require.False(t, out.HeaderWritten())

	require.NoError(t, out.Close(ctx))
	require.NoError(t, out.Close(ctx))

	cancelledCtx, cancel := context.WithCancel(ctx)
	cancel()
	require.NoError(t, out.Close(cancelledCtx))

	require.Equal(t, headersBefore, testutil.ToFloat64(metrics.OutputHeadersWritten.WithLabelValues("matroska")))
	require.Equal(t, trailersBefore, testutil.ToFloat64(metrics.OutputTrailersWritten.WithLabelValues("matroska")))

	err = out.Write(ctx, pkt)
	require.True(t, types.IsProtocolFailure(err), err)
	_, err = out.AddStreamEncoder(ctx, codec.EncoderConfig{CodecName: "mpeg4"})
	require.True(t, types.IsProtocolFailure(err), err)
}

func TestOutputFallbackFormat(t *testing.T) {
	ctx := testCtx(t)
	out, err := NewOutputFromURL(ctx, filepath.Join(t.TempDir(), "out.no-such-extension"), OutputConfig{})
	require.NoError(t, err)
	defer out.Close(ctx)
	require.Equal(t, FallbackFormat, out.FormatName())
}

func TestOutputExplicitFormat(t *testing.T) {
	ctx := testCtx(t)
	out, err := NewOutputFromURL(ctx, filepath.Join(t.TempDir(), "out.bin"), OutputConfig{
		Options: types.ParseDictionaryItems("f=nut"),
	})
	require.NoError(t, err)
	defer out.Close(ctx)
	require.Equal(t, "nut", out.FormatName())
}

func TestInputOpenFailure(t *testing.T) {
	ctx := testCtx(t)

	_, err := NewInputFromURL(ctx, filepath.Join(t.TempDir(), "does-not-exist.mkv"), InputConfig{})
	require.True(t, types.IsOpenFailure(err), err)

	_, err = NewInputFromURL(ctx, filepath.Join(t.TempDir(), "x"), InputConfig{Format: "no-such-format"})
	require.True(t, types.IsOpenFailure(err), err)

	_, err = NewInputFromURL(ctx, "", InputConfig{})
	require.True(t, types.IsOpenFailure(err), err)
}

func TestInputCloseIdempotent(t *testing.T) {
	ctx := testCtx(t)
	path := filepath.Join(t.TempDir(), "short.mkv")
	writeTestFile(t, ctx, path, 5, false)

	in, err := NewInputFromURL(ctx, path, InputConfig{RealtimeStart: true})
	require.NoError(t, err)

	pkt := packet.New()
	defer pkt.Release()
	require.NoError(t, in.Read(ctx, pkt))
	require.NotEqual(t, types.NoPTSValue, in.StartTimeRealtime())

	require.NoError(t, in.Close(ctx))
	require.NoError(t, in.Close(ctx))
	require.True(t, types.IsProtocolFailure(in.Read(ctx, pkt)))

	require.Zero(t, in.NbStreams())
	require.Nil(t, in.Stream(0))
	require.Nil(t, in.CodecParameters(0))
	require.True(t, in.TimeBase(0).IsZero())
	require.True(t, in.FrameRate(0).IsZero())
	require.Equal(t, -1, in.VideoStreamIndex(0))
	_, err = in.NewDecoder(ctx, 0, codec.DecoderConfig{})
	require.True(t, types.IsProtocolFailure(err), err)
}
