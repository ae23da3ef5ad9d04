package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"

	"github.com/asticode/go-astiav"
	"github.com/dustin/go-humanize"
	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/spf13/pflag"
	"github.com/xaionaro-go/avtransmux"
	"github.com/xaionaro-go/avtransmux/codec"
	"github.com/xaionaro-go/avtransmux/format"
	"github.com/xaionaro-go/avtransmux/frame"
	"github.com/xaionaro-go/avtransmux/hwaccel"
	avlogger "github.com/xaionaro-go/avtransmux/logger"
	"github.com/xaionaro-go/avtransmux/types"
)

func main() {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "syntax: %s [options] <URL-from>\n", os.Args[0])
		pflag.PrintDefaults()
	}

	loggerLevel := logger.LevelWarning
	pflag.Var(&loggerLevel, "log-level", "Log level")
	inputFormat := pflag.String("input-format", "", "force the input format")
	inputOptions := pflag.String("input-options", "", "input options in the form 'key=value:key=value'")
	var hwType types.HardwareDeviceType
	pflag.Var(&hwType, "hwaccel", "decode the video streams using the given hardware device type")
	hwDevice := pflag.String("hwaccel-device", "", "the hardware device path")
	quiet := pflag.Bool("quiet", false, "print only the summary")
	pflag.Parse()
	if len(pflag.Args()) != 1 {
		pflag.Usage()
		os.Exit(1)
	}

	l := logrus.Default().WithLevel(loggerLevel)
	ctx := logger.CtxWithLogger(context.Background(), l)
	ctx, cancelFn := signal.NotifyContext(ctx, os.Interrupt)
	defer cancelFn()
	logger.Default = func() logger.Logger {
		return l
	}
	defer belt.Flush(ctx)
	avlogger.SetupLibAVLogging(ctx)

	input, err := format.NewInputFromURL(ctx, pflag.Arg(0), format.InputConfig{
		Format:  *inputFormat,
		Options: types.ParseDictionaryItems(*inputOptions),
	})
	if err != nil {
		exit(ctx, err)
	}
	defer input.Close(ctx)

	cfg := avtransmux.DecodeStreamsConfig{
		Decoders: map[int]codec.DecoderConfig{},
	}
	if hwType != types.HardwareDeviceTypeNone {
		dev, err := hwaccel.NewDevice(ctx, hwType, *hwDevice, nil)
		if err != nil {
			exit(ctx, err)
		}
		defer dev.Release(ctx)
		for i := 0; i < input.NbStreams(); i++ {
			if input.CodecParameters(i).MediaType() == astiav.MediaTypeVideo {
				cfg.Decoders[i] = codec.DecoderConfig{HardwareDevice: dev}
			}
		}
	}

	var (
		mu     sync.Mutex
		frames = map[int]uint64{}
		bytes  = map[int]uint64{}
	)
	err = avtransmux.DecodeStreams(ctx, input, cfg, func(
		ctx context.Context,
		streamIndex int,
		f *frame.Frame,
	) error {
		size := 0
		if img, err := f.Image(); err == nil {
			size = len(img)
		}
		mu.Lock()
		defer mu.Unlock()
		frames[streamIndex]++
		bytes[streamIndex] += uint64(size)
		if !*quiet {
			fmt.Printf("stream #%d: pts:%d %dx%d samples:%d\n", streamIndex, f.Pts(), f.Width(), f.Height(), f.NbSamples())
		}
		return nil
	})
	for i := 0; i < input.NbStreams(); i++ {
		fmt.Printf("stream #%d: %d frames, %s of images\n", i, frames[i], humanize.Bytes(bytes[i]))
	}
	if err != nil {
		exit(ctx, err)
	}
}

func exit(ctx context.Context, err error) {
	logger.Error(ctx, err)
	belt.Flush(ctx)
	os.Exit(1)
}
