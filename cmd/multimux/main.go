package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/spf13/pflag"
	"github.com/xaionaro-go/avtransmux"
	"github.com/xaionaro-go/avtransmux/format"
	avlogger "github.com/xaionaro-go/avtransmux/logger"
	"github.com/xaionaro-go/avtransmux/types"
	"github.com/xaionaro-go/secret"
)

func main() {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "syntax: %s [options] <URL-to> <URL-from> [URL-from ...]\n", os.Args[0])
		pflag.PrintDefaults()
	}

	loggerLevel := logger.LevelWarning
	pflag.Var(&loggerLevel, "log-level", "Log level")
	inputOptions := pflag.String("input-options", "rtsp_transport=tcp", "options of every input in the form 'key=value:key=value'")
	outputFormat := pflag.String("output-format", "", "force the output format")
	outputOptions := pflag.String("output-options", "", "output options in the form 'key=value:key=value'")
	streamKey := pflag.String("stream-key", "", "the stream key appended to the output URL path")
	pflag.Parse()
	if len(pflag.Args()) < 2 {
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

	toURL := pflag.Arg(0)
	var inputs []*format.Input
	defer func() {
		for _, input := range inputs {
			input.Close(ctx)
		}
	}()
	for _, fromURL := range pflag.Args()[1:] {
		l.Debugf("opening '%s' as an input...", fromURL)
		input, err := format.NewInputFromURL(ctx, fromURL, format.InputConfig{
			Options:       types.ParseDictionaryItems(*inputOptions),
			RealtimeStart: true,
		})
		if err != nil {
			exit(ctx, err)
		}
		inputs = append(inputs, input)
	}

	l.Debugf("opening '%s' as the output...", toURL)
	output, err := format.NewOutputFromURL(ctx, toURL, format.OutputConfig{
		Format:    *outputFormat,
		Options:   types.ParseDictionaryItems(*outputOptions),
		StreamKey: secret.New(*streamKey),
	})
	if err != nil {
		exit(ctx, err)
	}
	defer output.Close(ctx)

	if err := avtransmux.Multiplex(ctx, output, inputs); err != nil {
		exit(ctx, err)
	}
	if err := output.Close(ctx); err != nil {
		exit(ctx, err)
	}
}

func exit(ctx context.Context, err error) {
	logger.Error(ctx, err)
	belt.Flush(ctx)
	os.Exit(1)
}
