package codec

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/asticode/go-astiav"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/avtransmux/frame"
	"github.com/xaionaro-go/avtransmux/hwaccel"
	"github.com/xaionaro-go/avtransmux/logger"
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

func newTestEncoder(t *testing.T, ctx context.Context) *Encoder {
	enc, err := NewEncoder(ctx, EncoderConfig{
		CodecName: "mpeg4",
		Options:   types.ParseDictionaryItems("video_size=320x240:pixel_format=yuv420p:time_base=1/25:bf=0:g=10"),
	})
	if types.IsOpenFailure(err) {
		t.Skipf("mpeg4 encoder is not available: %v", err)
	}
	require.NoError(t, err)
	return enc
}

func encodeAll(t *testing.T, ctx context.Context, enc *Encoder, count int) []*packet.Packet {
	var pkts []*packet.Packet
	collect := func(pkt *packet.Packet) error {
		pkts = append(pkts, pkt)
		return nil
	}

	for i := 0; i < count; i++ {
		f, err := enc.NewFrame()
		require.NoError(t, err)
		require.NoError(t, frame.FillTestPattern(f, i, testWidth, testHeight))
		require.NoError(t, enc.SendFrame(ctx, f))
		f.Release()
		require.NoError(t, enc.ReceivePackets(ctx, collect))
	}
	require.NoError(t, enc.Flush(ctx))
	require.ErrorIs(t, enc.ReceivePackets(ctx, collect), io.EOF)
	return pkts
}

func TestEncodeDecodeDrainSymmetry(t *testing.T) {
	ctx := testCtx(t)
	const frameCount = 30

	enc := newTestEncoder(t, ctx)
	defer enc.Close(ctx)
	require.Equal(t, types.Rational{Num: 1, Den: 25}, enc.TimeBase())

	pkts := encodeAll(t, ctx, enc, frameCount)
	require.Len(t, pkts, frameCount)
	for _, pkt := range pkts {
		require.Equal(t, 0, pkt.StreamIndex())
	}

	params := astiav.AllocCodecParameters()
	defer params.Free()
	require.NoError(t, enc.ToCodecParameters(params))

	dec, err := NewDecoder(ctx, params, enc.TimeBase(), DecoderConfig{})
	require.NoError(t, err)
	defer dec.Close(ctx)
	require.False(t, dec.IsHardware())

	var pts []int64
	collect := func(f *frame.Frame) error {
		pts = append(pts, f.Pts())
		f.Release()
		return nil
	}
	for _, pkt := range pkts {
		for {
			err := dec.SendPacket(ctx, pkt)
			if errors.Is(err, types.ErrBufferFull) {
				require.NoError(t, dec.ReceiveFrames(ctx, collect))
				continue
			}
			require.NoError(t, err)
			break
		}
		pkt.Release()
		require.NoError(t, dec.ReceiveFrames(ctx, collect))
	}
	require.NoError(t, dec.Flush(ctx))
	require.ErrorIs(t, dec.ReceiveFrames(ctx, collect), io.EOF)

	require.Len(t, pts, frameCount)
	for i, v := range pts {
		require.Equal(t, int64(i), v)
	}
}

func TestProtocolAfterFlush(t *testing.T) {
	ctx := testCtx(t)

	enc := newTestEncoder(t, ctx)
	defer enc.Close(ctx)

	for _, pkt := range encodeAll(t, ctx, enc, 3) {
		pkt.Release()
	}

	f, err := enc.NewFrame()
	require.NoError(t, err)
	defer f.Release()
	err = enc.SendFrame(ctx, f)
	require.True(t, types.IsProtocolFailure(err), err)

	// the terminal state is sticky
	pkt := packet.New()
	defer pkt.Release()
	require.ErrorIs(t, enc.ReceivePacket(ctx, pkt), io.EOF)
	require.ErrorIs(t, enc.ReceivePacket(ctx, pkt), io.EOF)

	// flushing twice is harmless and does not make the engine usable again
	require.NoError(t, enc.Flush(ctx))
	err = enc.SendFrame(ctx, f)
	require.True(t, types.IsProtocolFailure(err), err)

	require.NoError(t, enc.Close(ctx))
	require.NoError(t, enc.Close(ctx))
	err = enc.ReceivePacket(ctx, pkt)
	require.True(t, types.IsProtocolFailure(err), err)
}

func TestNoDataYet(t *testing.T) {
	ctx := testCtx(t)

	enc := newTestEncoder(t, ctx)
	defer enc.Close(ctx)

	pkt := packet.New()
	defer pkt.Release()
	require.ErrorIs(t, enc.ReceivePacket(ctx, pkt), types.ErrNoDataYet)
}

func TestEncoderOptions(t *testing.T) {
	ctx := testCtx(t)

	_, err := NewEncoder(ctx, EncoderConfig{CodecName: "no-such-encoder"})
	require.True(t, types.IsOpenFailure(err), err)

	_, err = NewEncoder(ctx, EncoderConfig{
		CodecName: "mpeg4",
		Options:   types.ParseDictionaryItems("video_size=320x240:pixel_format=yuv420p"),
	})
	require.Error(t, err, "time_base is required")

	_, err = NewEncoder(ctx, EncoderConfig{
		CodecName: "mpeg4",
		Options:   types.ParseDictionaryItems("video_size=big:time_base=1/25"),
	})
	require.Error(t, err)

	enc, err := NewEncoder(ctx, EncoderConfig{
		CodecName:   "mpeg4",
		Options:     types.ParseDictionaryItems("video_size=320x240:pixel_format=yuv420p:framerate=30:b=1M:unknown_option=1"),
		StreamIndex: 2,
	})
	if types.IsOpenFailure(err) {
		t.Skipf("mpeg4 encoder is not available: %v", err)
	}
	require.NoError(t, err)
	defer enc.Close(ctx)
	require.Equal(t, 2, enc.StreamIndex())
	require.Equal(t, types.Rational{Num: 1, Den: 30}, enc.TimeBase())
	require.Equal(t, int64(1000000), enc.CodecContext().BitRate())
}

func TestSelectFormat(t *testing.T) {
	ctx := testCtx(t)
	c := &Codec{kind: "test", codec: astiav.FindDecoder(astiav.CodecIDMpeg4), hardwarePixelFormat: astiav.PixelFormatNv12}

	require.Equal(t, astiav.PixelFormatNv12, c.SelectFormat(ctx, []astiav.PixelFormat{astiav.PixelFormatYuv420P, astiav.PixelFormatNv12}))
	require.False(t, c.formatRejected.Load())

	require.Equal(t, astiav.PixelFormatNone, c.SelectFormat(ctx, []astiav.PixelFormat{astiav.PixelFormatYuv420P}))
	require.True(t, c.formatRejected.Load())
}

func TestHardwareDecoderNegotiation(t *testing.T) {
	ctx := testCtx(t)

	dev, err := hwaccel.NewDevice(ctx, types.HardwareDeviceTypeVAAPI, "", nil)
	if err != nil {
		t.Skipf("no VAAPI device available: %v", err)
	}
	defer dev.Release(ctx)

	params := astiav.AllocCodecParameters()
	defer params.Free()
	params.SetCodecID(astiav.CodecIDPng)
	params.SetMediaType(astiav.MediaTypeVideo)

	_, err = NewDecoder(ctx, params, types.Rational{Num: 1, Den: 25}, DecoderConfig{HardwareDevice: dev})
	require.True(t, types.IsNegotiationFailure(err), err)
	require.Equal(t, int64(1), dev.RefCount())
}
