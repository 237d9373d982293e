package session

import (
	"encoding/binary"
	"fmt"

	"github.com/nethercore-systems/nethercore-sub000/internal/core"
)

// frameWireSize is the fixed on-wire size of one encoded core.InputFrame:
// tick(4) + handle(1) + input(core.InputSize) + ack_tick(4).
const frameWireSize = 4 + 1 + core.InputSize + 4

// MarshalFrames encodes one or more InputFrames into a single datagram
// using manual big-endian framing: a two-byte record count followed by
// fixed-width records, no reflection, no length-prefixed strings needed
// since every field is fixed width.
func MarshalFrames(frames []core.InputFrame) ([]byte, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("session: no frames to marshal")
	}
	size := 2 + len(frames)*frameWireSize
	if size > 1200 {
		return nil, fmt.Errorf("session: %d frames exceed the 1200-byte datagram limit", len(frames))
	}
	buf := make([]byte, size)
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(frames)))
	off := 2
	for _, f := range frames {
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(f.Tick))
		buf[off+4] = byte(f.Handle)
		copy(buf[off+5:off+5+core.InputSize], f.Input[:])
		binary.BigEndian.PutUint32(buf[off+5+core.InputSize:off+frameWireSize], uint32(f.AckTick))
		off += frameWireSize
	}
	return buf, nil
}

// UnmarshalFrames decodes a datagram produced by MarshalFrames. Malformed
// or truncated input is rejected rather than partially decoded.
func UnmarshalFrames(data []byte) ([]core.InputFrame, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("session: datagram too short")
	}
	count := int(binary.BigEndian.Uint16(data[0:2]))
	want := 2 + count*frameWireSize
	if len(data) != want {
		return nil, fmt.Errorf("session: datagram size %d does not match %d frames (want %d)", len(data), count, want)
	}
	out := make([]core.InputFrame, count)
	off := 2
	for i := 0; i < count; i++ {
		var f core.InputFrame
		f.Tick = core.Tick(binary.BigEndian.Uint32(data[off : off+4]))
		f.Handle = core.Handle(data[off+4])
		copy(f.Input[:], data[off+5:off+5+core.InputSize])
		f.AckTick = core.Tick(binary.BigEndian.Uint32(data[off+5+core.InputSize : off+frameWireSize]))
		out[i] = f
		off += frameWireSize
	}
	return out, nil
}
