// Package packet implements the encoded-data buffer of avtransmux.
//
// A Packet is a handle to (possibly shared) reference-counted storage plus
// its own timing properties. Packets are not safe for concurrent use.
package packet

import (
	"runtime"

	"github.com/asticode/go-astiav"
	"github.com/xaionaro-go/avtransmux/types"
)

type Packet struct {
	*astiav.Packet
}

// New returns an empty packet; it is valid and can be written into.
func New() *Packet {
	return &Packet{
		Packet: Pool.Get(),
	}
}

// Release returns the underlying storage to the pool. The packet must not
// be used afterwards.
func (p *Packet) Release() {
	if p.Packet == nil {
		return
	}
	Pool.Put(p.Packet)
	p.Packet = nil
}

func (p *Packet) IsEmpty() bool {
	return p.Packet == nil || p.Size() == 0
}

// Reset drops the payload reference and the properties.
func (p *Packet) Reset() {
	p.Unref()
}

// Clone returns a second handle on the same storage; no bytes are copied.
func (p *Packet) Clone() (*Packet, error) {
	dst := New()
	if p.IsEmpty() {
		return dst, nil
	}
	err := dst.Ref(p.Packet)
	runtime.KeepAlive(p)
	if err != nil {
		dst.Release()
		return nil, err
	}
	return dst, nil
}

// Move transfers the storage and properties into a new packet and leaves p
// empty but usable.
func (p *Packet) Move() *Packet {
	dst := &Packet{Packet: p.Packet}
	p.Packet = Pool.Get()
	return dst
}

// MoveTo transfers the storage and properties into dst, dropping whatever
// dst held before; p is left empty but usable.
func (p *Packet) MoveTo(dst *Packet) {
	if dst.Packet != nil {
		Pool.Put(dst.Packet)
	}
	dst.Packet = p.Packet
	p.Packet = Pool.Get()
}

// Detach makes sure the storage is not shared with any other handle,
// copying the payload if needed.
func (p *Packet) Detach() error {
	if p.IsEmpty() {
		return nil
	}
	return p.MakeWritable()
}

// SetPayload replaces the payload with a private copy of b.
// Timing properties are kept.
func (p *Packet) SetPayload(b []byte) error {
	pts, dts, duration, streamIndex := p.Pts(), p.Dts(), p.Duration(), p.StreamIndex()
	p.Unref()
	if err := p.FromData(b); err != nil {
		return err
	}
	p.SetPts(pts)
	p.SetDts(dts)
	p.SetDuration(duration)
	p.SetStreamIndex(streamIndex)
	return nil
}

func (p *Packet) Payload() []byte {
	return p.Data()
}

// AddDeltaTS shifts both timestamps by delta; absent timestamps stay absent.
func (p *Packet) AddDeltaTS(delta int64) {
	if pts := p.Pts(); pts != types.NoPTSValue {
		p.SetPts(pts + delta)
	}
	if dts := p.Dts(); dts != types.NoPTSValue {
		p.SetDts(dts + delta)
	}
}

func (p *Packet) IsKey() bool {
	return p.Flags().Has(astiav.PacketFlagKey)
}
