package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"time"

	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/spf13/pflag"
	"github.com/xaionaro-go/avtransmux"
	"github.com/xaionaro-go/avtransmux/codec"
	"github.com/xaionaro-go/avtransmux/format"
	"github.com/xaionaro-go/avtransmux/hwaccel"
	avlogger "github.com/xaionaro-go/avtransmux/logger"
	"github.com/xaionaro-go/avtransmux/types"
	"github.com/xaionaro-go/observability"
)

func main() {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "syntax: %s [options] <URL-from> <URL-to>\n", os.Args[0])
		pflag.PrintDefaults()
	}

	loggerLevel := logger.LevelWarning
	pflag.Var(&loggerLevel, "log-level", "Log level")
	netPprofAddr := pflag.String("net-pprof-listen-addr", "", "an address to listen for incoming net/pprof connections")
	inputFormat := pflag.String("input-format", "", "force the input format")
	inputOptions := pflag.String("input-options", "", "input options in the form 'key=value:key=value'")
	outputFormat := pflag.String("output-format", "", "force the output format")
	outputOptions := pflag.String("output-options", "", "output options in the form 'key=value:key=value'")
	streamIndex := pflag.Int("stream", -1, "the index of the stream to transcode; by default the first video stream")
	copyOnly := pflag.Bool("copy", false, "copy all the streams without transcoding")
	var hwType types.HardwareDeviceType
	pflag.Var(&hwType, "hwaccel", "decode using the given hardware device type (e.g. 'vaapi', 'cuda')")
	hwDevice := pflag.String("hwaccel-device", "", "the hardware device path")
	decoderName := pflag.String("decoder", "", "force the decoder")
	encoderName := pflag.String("encoder", "libx264", "the encoder")
	encoderOptions := pflag.String("encoder-options", "", "encoder options in the form 'key=value:key=value'")
	hwEncoder := pflag.Bool("hw-encoder", false, "feed the encoder with frames in the hardware device memory")
	statsInterval := pflag.Duration("stats-interval", 0, "print the output statistics with this interval; zero disables it")
	pflag.Parse()
	if len(pflag.Args()) != 2 {
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

	if *netPprofAddr != "" {
		observability.Go(ctx, func(ctx context.Context) { l.Error(http.ListenAndServe(*netPprofAddr, nil)) })
	}

	fromURL := pflag.Arg(0)
	toURL := pflag.Arg(1)

	l.Debugf("opening '%s' as the input...", fromURL)
	input, err := format.NewInputFromURL(ctx, fromURL, format.InputConfig{
		Format:  *inputFormat,
		Options: types.ParseDictionaryItems(*inputOptions),
	})
	if err != nil {
		exit(ctx, err)
	}
	defer input.Close(ctx)

	l.Debugf("opening '%s' as the output...", toURL)
	output, err := format.NewOutputFromURL(ctx, toURL, format.OutputConfig{
		Format:  *outputFormat,
		Options: types.ParseDictionaryItems(*outputOptions),
	})
	if err != nil {
		exit(ctx, err)
	}
	defer output.Close(ctx)

	statsCtx, stopStats := context.WithCancel(ctx)
	defer stopStats()
	if *statsInterval > 0 {
		observability.Go(statsCtx, func(ctx context.Context) {
			printStats(ctx, output, *statsInterval)
		})
	}

	if *copyOnly {
		err = avtransmux.Remux(ctx, input, output)
	} else {
		err = transcode(ctx, input, output, transcodeParams{
			StreamIndex:    *streamIndex,
			HardwareType:   hwType,
			HardwareDevice: *hwDevice,
			DecoderName:    *decoderName,
			EncoderName:    *encoderName,
			EncoderOptions: types.ParseDictionaryItems(*encoderOptions),
			HWEncoder:      *hwEncoder,
		})
	}
	stopStats()
	if err != nil {
		exit(ctx, err)
	}
	if err := output.Close(ctx); err != nil {
		exit(ctx, err)
	}
}

type transcodeParams struct {
	StreamIndex    int
	HardwareType   types.HardwareDeviceType
	HardwareDevice string
	DecoderName    string
	EncoderName    string
	EncoderOptions types.DictionaryItems
	HWEncoder      bool
}

func transcode(
	ctx context.Context,
	input *format.Input,
	output *format.Output,
	params transcodeParams,
) error {
	streamIndex := params.StreamIndex
	if streamIndex < 0 {
		streamIndex = input.VideoStreamIndex(0)
	}
	if streamIndex < 0 || streamIndex >= input.NbStreams() {
		return fmt.Errorf("no stream #%d in '%s'", params.StreamIndex, input)
	}

	cfg := avtransmux.TranscodeConfig{
		StreamIndex: streamIndex,
		Decoder: codec.DecoderConfig{
			CodecName: params.DecoderName,
		},
		Encoder: codec.EncoderConfig{
			CodecName: params.EncoderName,
			Options:   params.EncoderOptions,
		},
		HardwareEncoder: params.HWEncoder,
	}
	if params.HardwareType != types.HardwareDeviceTypeNone {
		dev, err := hwaccel.NewDevice(ctx, params.HardwareType, params.HardwareDevice, nil)
		if err != nil {
			return err
		}
		defer dev.Release(ctx)
		cfg.Decoder.HardwareDevice = dev
	}
	return avtransmux.Transcode(ctx, input, output, cfg)
}

func printStats(
	ctx context.Context,
	output *format.Output,
	interval time.Duration,
) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			b, err := json.Marshal(output.Stats())
			if err != nil {
				logger.Error(ctx, err)
				return
			}
			fmt.Printf("output:%s\n", b)
		}
	}
}

func exit(ctx context.Context, err error) {
	logger.Error(ctx, err)
	belt.Flush(ctx)
	os.Exit(1)
}
