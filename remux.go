package avtransmux

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/xaionaro-go/avtransmux/format"
	"github.com/xaionaro-go/avtransmux/logger"
	"github.com/xaionaro-go/avtransmux/packet"
)

// Remux copies every stream of the input into the output without
// re-encoding.
func Remux(
	ctx context.Context,
	in *format.Input,
	out *format.Output,
) (_err error) {
	logger.Debugf(ctx, "Remux(ctx, %s, %s)", in, out)
	defer func() { logger.Debugf(ctx, "/Remux(ctx, %s, %s): %v", in, out, _err) }()

	streamMap := make([]int, in.NbStreams())
	for i := range streamMap {
		outIndex, err := out.AddStreamCopy(ctx, in, i)
		if err != nil {
			return fmt.Errorf("unable to add a copy of stream #%d: %w", i, err)
		}
		streamMap[i] = outIndex
	}

	pkt := packet.New()
	defer pkt.Release()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := in.Read(ctx, pkt)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		inIndex := pkt.StreamIndex()
		if inIndex < 0 || inIndex >= len(streamMap) {
			logger.Warnf(ctx, "a packet of an unknown stream #%d; skipping", inIndex)
			continue
		}
		pkt.SetStreamIndex(streamMap[inIndex])
		if err := out.Write(ctx, pkt); err != nil {
			return err
		}
	}
}
