package resampler

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/asticode/go-astiav"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/avtransmux/frame"
	"github.com/xaionaro-go/avtransmux/types"
)

func defaultPCMFormat() PCMFormat {
	return PCMFormat{
		SampleFormat:  astiav.SampleFormatFlt,
		SampleRate:    48000,
		ChannelLayout: astiav.ChannelLayoutStereo,
		ChunkSize:     8,
	}
}

func buildPCMFrame(t *testing.T, f PCMFormat) *frame.Frame {
	t.Helper()
	fr := frame.New()
	fr.SetSampleFormat(f.SampleFormat)
	fr.SetSampleRate(f.SampleRate)
	fr.SetChannelLayout(f.ChannelLayout)
	fr.SetNbSamples(f.ChunkSize)
	require.NoError(t, fr.AllocBuffer(0))
	return fr
}

func TestFormatFromFrame(t *testing.T) {
	require.Nil(t, FormatFromFrame(nil))

	expected := PCMFormat{
		SampleFormat:  astiav.SampleFormatS16,
		SampleRate:    44100,
		ChannelLayout: astiav.ChannelLayoutMono,
		ChunkSize:     123,
	}
	fr := buildPCMFrame(t, expected)
	defer fr.Release()

	got := FormatFromFrame(fr)
	require.NotNil(t, got)
	require.True(t, expected.Equal(*got))
}

func TestResamplerChunks(t *testing.T) {
	ctx := context.Background()
	out := defaultPCMFormat()
	r, err := New(ctx, out)
	require.NoError(t, err)
	defer func() { require.NoError(t, r.Close(ctx)) }()

	f := frame.New()
	defer f.Release()
	require.ErrorIs(t, r.ReceiveFrame(ctx, f), types.ErrNoDataYet)
	require.ErrorIs(t, r.Flush(ctx, f), io.EOF)

	in := buildPCMFrame(t, PCMFormat{
		SampleFormat:  out.SampleFormat,
		SampleRate:    out.SampleRate,
		ChannelLayout: out.ChannelLayout,
		ChunkSize:     out.ChunkSize*2 + out.ChunkSize/2,
	})
	defer in.Release()
	require.NoError(t, r.SendFrame(ctx, in))
	require.Equal(t, out.ChunkSize*2+out.ChunkSize/2, r.Buffered())

	for i := 0; i < 2; i++ {
		require.NoError(t, r.ReceiveFrame(ctx, f))
		require.Equal(t, out.ChunkSize, f.NbSamples())
		require.Equal(t, int64(i*out.ChunkSize), f.Pts())
		require.Equal(t, out.SampleFormat, f.SampleFormat())
		require.Equal(t, out.SampleRate, f.SampleRate())
	}
	require.ErrorIs(t, r.ReceiveFrame(ctx, f), types.ErrNoDataYet)

	require.NoError(t, r.Flush(ctx, f))
	require.Equal(t, out.ChunkSize/2, f.NbSamples())
	require.Equal(t, int64(2*out.ChunkSize), f.Pts())
	require.ErrorIs(t, r.Flush(ctx, f), io.EOF)
	require.Equal(t, types.Rational{Num: 1, Den: 48000}, r.TimeBase())
}

func TestResamplerInputFormatChanged(t *testing.T) {
	ctx := context.Background()
	r, err := New(ctx, defaultPCMFormat())
	require.NoError(t, err)
	defer r.Close(ctx)

	firstFrame := buildPCMFrame(t, PCMFormat{
		SampleFormat:  astiav.SampleFormatS16,
		SampleRate:    44100,
		ChannelLayout: astiav.ChannelLayoutMono,
		ChunkSize:     64,
	})
	defer firstFrame.Release()
	secondFrame := buildPCMFrame(t, PCMFormat{
		SampleFormat:  astiav.SampleFormatS16,
		SampleRate:    48000,
		ChannelLayout: astiav.ChannelLayoutMono,
		ChunkSize:     64,
	})
	defer secondFrame.Release()

	require.NoError(t, r.SendFrame(ctx, firstFrame))
	require.NotNil(t, r.FormatInput)
	require.Equal(t, 44100, r.FormatInput.SampleRate)

	err = r.SendFrame(ctx, secondFrame)
	require.ErrorIs(t, err, astiav.ErrInputChanged)
}

func TestResamplerClosed(t *testing.T) {
	ctx := context.Background()
	r, err := New(ctx, defaultPCMFormat())
	require.NoError(t, err)
	require.NoError(t, r.Close(ctx))
	require.NoError(t, r.Close(ctx))

	f := frame.New()
	defer f.Release()
	require.True(t, types.IsProtocolFailure(r.ReceiveFrame(ctx, f)))
	require.True(t, types.IsProtocolFailure(r.SendFrame(ctx, f)))
	require.Zero(t, r.Buffered())
}

func TestResamplerFlushDrainsDelay(t *testing.T) {
	ctx := context.Background()
	out := PCMFormat{
		SampleFormat:  astiav.SampleFormatFltp,
		SampleRate:    44100,
		ChannelLayout: astiav.ChannelLayoutStereo,
		ChunkSize:     1152,
	}
	r, err := New(ctx, out)
	require.NoError(t, err)
	defer r.Close(ctx)

	in := buildPCMFrame(t, PCMFormat{
		SampleFormat:  astiav.SampleFormatS16,
		SampleRate:    48000,
		ChannelLayout: astiav.ChannelLayoutStereo,
		ChunkSize:     480,
	})
	defer in.Release()

	f := frame.New()
	defer f.Release()
	total := 0
	for i := 0; i < 10; i++ {
		require.NoError(t, r.SendFrame(ctx, in))
		for {
			err := r.ReceiveFrame(ctx, f)
			if errors.Is(err, types.ErrNoDataYet) {
				break
			}
			require.NoError(t, err)
			require.Equal(t, out.ChunkSize, f.NbSamples())
			total += f.NbSamples()
		}
	}
	for {
		err := r.Flush(ctx, f)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		require.Equal(t, int64(total), f.Pts())
		total += f.NbSamples()
	}

	// 4800 samples at 48kHz are 4410 samples at 44.1kHz
	require.InDelta(t, 4410, total, 2)
	require.True(t, types.IsProtocolFailure(r.SendFrame(ctx, in)))
}
