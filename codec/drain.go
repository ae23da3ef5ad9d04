package codec

import (
	"context"
	"errors"

	"github.com/xaionaro-go/avtransmux/frame"
	"github.com/xaionaro-go/avtransmux/packet"
	"github.com/xaionaro-go/avtransmux/types"
)

// ReceiveFrames receives frames until the decoder needs more input (returns
// nil) or is drained (returns io.EOF). The callback takes the ownership of
// each frame.
func (d *Decoder) ReceiveFrames(
	ctx context.Context,
	callback func(*frame.Frame) error,
) error {
	for {
		f := frame.New()
		err := d.ReceiveFrame(ctx, f)
		if err != nil {
			f.Release()
			if errors.Is(err, types.ErrNoDataYet) {
				return nil
			}
			return err
		}
		if err := callback(f); err != nil {
			return err
		}
	}
}

// ReceivePackets is the encoder counterpart of Decoder.ReceiveFrames.
func (e *Encoder) ReceivePackets(
	ctx context.Context,
	callback func(*packet.Packet) error,
) error {
	for {
		pkt := packet.New()
		err := e.ReceivePacket(ctx, pkt)
		if err != nil {
			pkt.Release()
			if errors.Is(err, types.ErrNoDataYet) {
				return nil
			}
			return err
		}
		if err := callback(pkt); err != nil {
			return err
		}
	}
}
