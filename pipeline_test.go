package avtransmux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"github.com/asticode/go-astiav"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/avtransmux/codec"
	"github.com/xaionaro-go/avtransmux/format"
	"github.com/xaionaro-go/avtransmux/frame"
	"github.com/xaionaro-go/avtransmux/logger"
	"github.com/xaionaro-go/avtransmux/packet"
	"github.com/xaionaro-go/avtransmux/relay"
	"github.com/xaionaro-go/avtransmux/timealign"
	"github.com/xaionaro-go/avtransmux/types"
	"github.com/xaionaro-go/typing"
)

const (
	testWidth      = 320
	testHeight     = 240
	testFrameCount = 30
	testT0         = int64(1_700_000_000_000_000)
)

func testCtx(t *testing.T) context.Context {
	l := logrus.Default().WithLevel(logger.LevelWarning)
	ctx := logger.CtxWithLogger(context.Background(), l)
	logger.SetupLibAVLogging(ctx)
	return ctx
}

// writeTestFile writes a Matroska file with streamCount MPEG-4 video
// streams of frameCount synthetic frames each (25 fps).
func writeTestFile(
	t *testing.T,
	ctx context.Context,
	path string,
	streamCount int,
	frameCount int,
) {
	t.Helper()
	out, err := format.NewOutputFromURL(ctx, path, format.OutputConfig{})
	require.NoError(t, err)
	defer func() { require.NoError(t, out.Close(ctx)) }()

	var encoders []*codec.Encoder
	for i := 0; i < streamCount; i++ {
		enc, err := out.AddStreamEncoder(ctx, codec.EncoderConfig{
			CodecName: "mpeg4",
			Options:   types.ParseDictionaryItems("video_size=320x240:pixel_format=yuv420p:framerate=25:bf=0:g=10"),
		})
		if types.IsOpenFailure(err) {
			t.Skipf("mpeg4 encoder is not available: %v", err)
		}
		require.NoError(t, err)
		encoders = append(encoders, enc)
	}

	write := func(pkt *packet.Packet) error {
		defer pkt.Release()
		return out.Write(ctx, pkt)
	}
	for i := 0; i < frameCount; i++ {
		for _, enc := range encoders {
			f, err := enc.NewFrame()
			require.NoError(t, err)
			require.NoError(t, frame.FillTestPattern(f, i, testWidth, testHeight))
			require.NoError(t, enc.SendFrame(ctx, f))
			f.Release()
			require.NoError(t, enc.ReceivePackets(ctx, write))
		}
	}
	for _, enc := range encoders {
		require.NoError(t, enc.Flush(ctx))
		require.ErrorIs(t, enc.ReceivePackets(ctx, write), io.EOF)
	}
}

type readPacket struct {
	streamIndex int
	pts         int64
	timeBase    types.Rational
}

func readAllPackets(
	t *testing.T,
	ctx context.Context,
	path string,
) []readPacket {
	t.Helper()
	in, err := format.NewInputFromURL(ctx, path, format.InputConfig{})
	require.NoError(t, err)
	defer in.Close(ctx)

	var result []readPacket
	pkt := packet.New()
	defer pkt.Release()
	for {
		err := in.Read(ctx, pkt)
		if errors.Is(err, io.EOF) {
			return result
		}
		require.NoError(t, err)
		result = append(result, readPacket{
			streamIndex: pkt.StreamIndex(),
			pts:         pkt.Pts(),
			timeBase:    in.TimeBase(pkt.StreamIndex()),
		})
	}
}

func openInput(t *testing.T, ctx context.Context, path string, cfg format.InputConfig) *format.Input {
	t.Helper()
	in, err := format.NewInputFromURL(ctx, path, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { in.Close(ctx) })
	return in
}

func openOutput(t *testing.T, ctx context.Context, path string) *format.Output {
	t.Helper()
	out, err := format.NewOutputFromURL(ctx, path, format.OutputConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { out.Close(ctx) })
	return out
}

func TestRemux(t *testing.T) {
	ctx := testCtx(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "src.mkv")
	dst := filepath.Join(dir, "dst.nut")
	writeTestFile(t, ctx, src, 2, testFrameCount)

	in := openInput(t, ctx, src, format.InputConfig{})
	out := openOutput(t, ctx, dst)
	require.NoError(t, Remux(ctx, in, out))
	require.NoError(t, out.Close(ctx))
	for _, st := range out.Stats() {
		require.Equal(t, uint64(testFrameCount), st.Packets)
	}

	perStream := map[int][]int64{}
	for _, p := range readAllPackets(t, ctx, dst) {
		perStream[p.streamIndex] = append(perStream[p.streamIndex], types.Rescale(p.pts, p.timeBase, types.Rational{Num: 1, Den: 25}))
	}
	require.Len(t, perStream, 2)
	for _, ptss := range perStream {
		require.Len(t, ptss, testFrameCount)
		for i, pts := range ptss {
			require.Equal(t, int64(i), pts)
		}
	}
}

func TestTranscodeWithScaling(t *testing.T) {
	ctx := testCtx(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "src.mkv")
	dst := filepath.Join(dir, "dst.mkv")
	writeTestFile(t, ctx, src, 1, testFrameCount)

	in := openInput(t, ctx, src, format.InputConfig{})
	out := openOutput(t, ctx, dst)
	err := Transcode(ctx, in, out, TranscodeConfig{
		StreamIndex: 0,
		Encoder: codec.EncoderConfig{
			CodecName: "mpeg4",
			Options:   types.ParseDictionaryItems("video_size=160x120:pixel_format=yuv420p:bf=0:b=200k"),
		},
	})
	require.NoError(t, err)
	require.NoError(t, out.Close(ctx))

	check := openInput(t, ctx, dst, format.InputConfig{})
	require.Equal(t, 1, check.NbStreams())
	require.Equal(t, 160, check.CodecParameters(0).Width())
	require.Equal(t, 120, check.CodecParameters(0).Height())

	dec, err := check.NewDecoder(ctx, 0, codec.DecoderConfig{})
	require.NoError(t, err)
	defer dec.Close(ctx)
	var ptss []int64
	collect := func(f *frame.Frame) error {
		defer f.Release()
		require.Equal(t, 160, f.Width())
		ptss = append(ptss, types.Rescale(f.Pts(), check.TimeBase(0), types.Rational{Num: 1, Den: 25}))
		return nil
	}
	pkt := packet.New()
	defer pkt.Release()
	for {
		err := check.Read(ctx, pkt)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		require.NoError(t, dec.SendPacket(ctx, pkt))
		require.NoError(t, dec.ReceiveFrames(ctx, collect))
	}
	require.NoError(t, dec.Flush(ctx))
	require.ErrorIs(t, dec.ReceiveFrames(ctx, collect), io.EOF)

	require.Len(t, ptss, testFrameCount)
	for i, pts := range ptss {
		require.Equal(t, int64(i), pts)
	}
}

func TestTranscodeHardwareEncoderWithoutDevice(t *testing.T) {
	ctx := testCtx(t)
	src := filepath.Join(t.TempDir(), "src.mkv")
	writeTestFile(t, ctx, src, 1, 1)

	in := openInput(t, ctx, src, format.InputConfig{})
	out := openOutput(t, ctx, filepath.Join(t.TempDir(), "dst.mkv"))
	err := Transcode(ctx, in, out, TranscodeConfig{
		Encoder:         codec.EncoderConfig{CodecName: "h264_vaapi"},
		HardwareEncoder: true,
	})
	require.True(t, types.IsNegotiationFailure(err), err)
}

func TestTranscodeHardwareSoftwarePixelFormat(t *testing.T) {
	require.Equal(t, astiav.PixelFormatNv12, TranscodeConfig{}.hardwareSoftwarePixelFormat())
	require.Equal(t, astiav.PixelFormatYuv420P, TranscodeConfig{
		HardwareSoftwarePixelFormat: typing.Opt(astiav.PixelFormatYuv420P),
	}.hardwareSoftwarePixelFormat())
}

func TestReadAlignedShiftsByReference(t *testing.T) {
	ctx := testCtx(t)
	src := filepath.Join(t.TempDir(), "src.mkv")
	writeTestFile(t, ctx, src, 1, testFrameCount)

	ref := timealign.NewReference()
	ref.Set(testT0)

	in := openInput(t, ctx, src, format.InputConfig{
		StartTimeRealtime: typing.Opt(testT0 + 2_000_000),
	})
	tb := in.TimeBase(0)
	q := relay.NewPacketQueue(t.Name())
	defer q.Dispose(ctx)
	require.NoError(t, readAligned(ctx, in, q, timealign.NewAligner(ref, 1, tb)))
	q.Close(ctx, false)

	expectedDelta := types.RescaleRealtime(2_000_000, tb)
	count := 0
	for {
		pkt, err := q.Dequeue(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		require.Equal(t, 1, pkt.StreamIndex())
		require.Equal(t, types.Rescale(int64(count), types.Rational{Num: 1, Den: 25}, tb)+expectedDelta, pkt.Pts())
		count++
		q.Enqueue(pkt)
	}
	require.Equal(t, testFrameCount, count)
}

func TestReadAlignedWithoutReference(t *testing.T) {
	ctx := testCtx(t)
	src := filepath.Join(t.TempDir(), "src.mkv")
	writeTestFile(t, ctx, src, 1, testFrameCount)

	in := openInput(t, ctx, src, format.InputConfig{
		StartTimeRealtime: typing.Opt(testT0),
	})
	q := relay.NewPacketQueue(t.Name())
	defer q.Dispose(ctx)
	require.NoError(t, readAligned(ctx, in, q, timealign.NewAligner(timealign.NewReference(), 1, in.TimeBase(0))))
	require.Zero(t, q.Len())
}

func TestMultiplex(t *testing.T) {
	ctx := testCtx(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "src.mkv")
	dst := filepath.Join(dir, "dst.mkv")
	writeTestFile(t, ctx, src, 1, testFrameCount)

	inputs := []*format.Input{
		openInput(t, ctx, src, format.InputConfig{StartTimeRealtime: typing.Opt(testT0)}),
		openInput(t, ctx, src, format.InputConfig{StartTimeRealtime: typing.Opt(testT0 + 2_000_000)}),
	}
	out := openOutput(t, ctx, dst)
	require.NoError(t, Multiplex(ctx, out, inputs))
	require.NoError(t, out.Close(ctx))

	frameTB := types.Rational{Num: 1, Den: 25}
	perStream := map[int][]int64{}
	for _, p := range readAllPackets(t, ctx, dst) {
		perStream[p.streamIndex] = append(perStream[p.streamIndex], types.Rescale(p.pts, p.timeBase, frameTB))
	}

	// the reference stream is never skipped nor shifted
	require.Len(t, perStream[0], testFrameCount)
	for i, pts := range perStream[0] {
		require.Equal(t, int64(i), pts)
	}

	// the reference start time is configured, so the other stream loses
	// nothing and is shifted by 2 seconds
	require.NotEmpty(t, perStream[1])
	require.Len(t, perStream[1], testFrameCount)
	for i, pts := range perStream[1] {
		require.Equal(t, int64(50+i), pts)
	}
}

func TestDecodeStreams(t *testing.T) {
	ctx := testCtx(t)
	src := filepath.Join(t.TempDir(), "src.mkv")
	writeTestFile(t, ctx, src, 3, testFrameCount)

	in := openInput(t, ctx, src, format.InputConfig{})
	var (
		mu     sync.Mutex
		frames = map[int]int{}
	)
	err := DecodeStreams(ctx, in, DecodeStreamsConfig{}, func(ctx context.Context, streamIndex int, f *frame.Frame) error {
		if f.Width() != testWidth {
			return fmt.Errorf("unexpected width %d", f.Width())
		}
		mu.Lock()
		defer mu.Unlock()
		frames[streamIndex]++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, map[int]int{0: testFrameCount, 1: testFrameCount, 2: testFrameCount}, frames)
}

func TestDecodeStreamsHandlerFailure(t *testing.T) {
	ctx := testCtx(t)
	src := filepath.Join(t.TempDir(), "src.mkv")
	writeTestFile(t, ctx, src, 2, testFrameCount)

	in := openInput(t, ctx, src, format.InputConfig{})
	errStop := errors.New("stop")
	err := DecodeStreams(ctx, in, DecodeStreamsConfig{}, func(ctx context.Context, streamIndex int, f *frame.Frame) error {
		if streamIndex == 1 {
			return errStop
		}
		return nil
	})
	require.ErrorIs(t, err, errStop)
}
