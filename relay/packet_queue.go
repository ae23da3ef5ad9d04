// packet_queue.go specializes Queue for packets.

package relay

import (
	"github.com/xaionaro-go/avtransmux/packet"
)

type PacketQueue = Queue[*packet.Packet]

// NewPacketQueue returns a queue of packets; recycled packets are unreferenced.
func NewPacketQueue(name string) *PacketQueue {
	return New(Config[*packet.Packet]{
		Name:  name,
		Alloc: packet.New,
		Reset: (*packet.Packet).Reset,
		Free:  (*packet.Packet).Release,
	})
}
