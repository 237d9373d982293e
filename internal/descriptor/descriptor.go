// Package descriptor implements the binary Session Descriptor codec: the
// lobby's one-shot output, consumed exactly once by a player process and
// then deleted from disk.
package descriptor

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/nethercore-systems/nethercore-sub000/internal/core"
)

// MaxSize is the hard cap enforced before any decode allocation.
const MaxSize = 1 << 20

var magic = [4]byte{'N', 'C', 'D', '1'}

const version = 1

// NetworkConfig carries the session-wide netcode parameters a player
// process needs before it can construct a session.Config.
type NetworkConfig struct {
	TickRate         uint16
	InputDelay       uint8
	PredictionLimit  uint8
	SyncTestDistance uint8
}

// PlayerEntry is one seat assigned by the lobby.
type PlayerEntry struct {
	Handle      core.Handle
	PublicAddr  string
	GGRSPort    uint16
	Active      bool
	DisplayName string
	Color       uint32
}

// Descriptor is the full decoded lobby output.
type Descriptor struct {
	PlayerCount int
	TickRate    uint16
	RandomSeed  uint64
	Network     NetworkConfig
	Players     []PlayerEntry
	LocalHandle core.Handle
	SaveConfig  []byte // opaque, implementation-defined; empty if absent
}

// Encode writes d in the "NCD1" wire format: a 4-byte magic, a version
// byte, then every body field in a fixed order. Strings are
// length-prefixed with a uint16, SaveConfig with a uint32, and the player
// list with a one-byte count.
func Encode(d Descriptor) ([]byte, error) {
	if len(d.Players) > 255 {
		return nil, fmt.Errorf("descriptor: too many players (%d)", len(d.Players))
	}
	buf := make([]byte, 0, 256)
	buf = append(buf, magic[:]...)
	buf = append(buf, version)

	buf = append(buf, byte(d.PlayerCount))
	buf = appendU16(buf, d.TickRate)
	buf = appendU64(buf, d.RandomSeed)

	buf = appendU16(buf, d.Network.TickRate)
	buf = append(buf, d.Network.InputDelay, d.Network.PredictionLimit, d.Network.SyncTestDistance)

	buf = append(buf, byte(len(d.Players)))
	for _, p := range d.Players {
		buf = append(buf, byte(p.Handle))
		buf = appendString(buf, p.PublicAddr)
		buf = appendU16(buf, p.GGRSPort)
		if p.Active {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		buf = appendString(buf, p.DisplayName)
		buf = appendU32(buf, p.Color)
	}

	buf = append(buf, byte(d.LocalHandle))
	buf = appendBytes(buf, d.SaveConfig)

	if len(buf) > MaxSize {
		return nil, fmt.Errorf("descriptor: encoded size %d exceeds %d byte cap", len(buf), MaxSize)
	}
	return buf, nil
}

// Decode validates and parses a Session Descriptor, bounds-checking every
// length-prefixed section against the remaining buffer before slicing it,
// so a malformed descriptor always fails with ErrSessionDescriptorInvalid
// rather than reading out of bounds.
func Decode(data []byte) (Descriptor, error) {
	var d Descriptor
	if len(data) > MaxSize {
		return d, core.NewError(core.ErrSessionDescriptorInvalid, fmt.Sprintf("descriptor exceeds %d bytes", MaxSize))
	}
	r := &reader{buf: data}

	var gotMagic [4]byte
	if err := r.readExact(gotMagic[:]); err != nil {
		return d, invalidErr("truncated magic", err)
	}
	if gotMagic != magic {
		return d, core.NewError(core.ErrSessionDescriptorInvalid, "bad magic")
	}
	v, err := r.readByte()
	if err != nil {
		return d, invalidErr("truncated version", err)
	}
	if v != version {
		return d, core.NewError(core.ErrSessionDescriptorInvalid, fmt.Sprintf("unsupported version %d", v))
	}

	pc, err := r.readByte()
	if err != nil {
		return d, invalidErr("truncated player_count", err)
	}
	d.PlayerCount = int(pc)

	if d.TickRate, err = r.readU16(); err != nil {
		return d, invalidErr("truncated tick_rate", err)
	}
	if d.RandomSeed, err = r.readU64(); err != nil {
		return d, invalidErr("truncated random_seed", err)
	}
	if d.Network.TickRate, err = r.readU16(); err != nil {
		return d, invalidErr("truncated network.tick_rate", err)
	}
	if d.Network.InputDelay, err = r.readByte(); err != nil {
		return d, invalidErr("truncated network.input_delay", err)
	}
	if d.Network.PredictionLimit, err = r.readByte(); err != nil {
		return d, invalidErr("truncated network.prediction_limit", err)
	}
	if d.Network.SyncTestDistance, err = r.readByte(); err != nil {
		return d, invalidErr("truncated network.sync_test_distance", err)
	}

	playerCount, err := r.readByte()
	if err != nil {
		return d, invalidErr("truncated players length", err)
	}
	d.Players = make([]PlayerEntry, 0, playerCount)
	for i := 0; i < int(playerCount); i++ {
		var p PlayerEntry
		h, err := r.readByte()
		if err != nil {
			return d, invalidErr("truncated player handle", err)
		}
		p.Handle = core.Handle(h)
		if p.PublicAddr, err = r.readString(); err != nil {
			return d, invalidErr("truncated player public_addr", err)
		}
		if p.GGRSPort, err = r.readU16(); err != nil {
			return d, invalidErr("truncated player ggrs_port", err)
		}
		active, err := r.readByte()
		if err != nil {
			return d, invalidErr("truncated player active", err)
		}
		p.Active = active != 0
		if p.DisplayName, err = r.readString(); err != nil {
			return d, invalidErr("truncated player display_name", err)
		}
		if p.Color, err = r.readU32(); err != nil {
			return d, invalidErr("truncated player color", err)
		}
		d.Players = append(d.Players, p)
	}

	lh, err := r.readByte()
	if err != nil {
		return d, invalidErr("truncated local_handle", err)
	}
	d.LocalHandle = core.Handle(lh)

	if d.SaveConfig, err = r.readBytes(); err != nil {
		return d, invalidErr("truncated save_config", err)
	}

	if d.PlayerCount <= 0 || d.PlayerCount != len(d.Players) {
		return d, core.NewError(core.ErrSessionDescriptorInvalid,
			fmt.Sprintf("player_count %d does not match %d player entries", d.PlayerCount, len(d.Players)))
	}
	foundLocal := false
	for _, p := range d.Players {
		if p.Handle == d.LocalHandle {
			foundLocal = true
			break
		}
	}
	if !foundLocal {
		return d, core.NewError(core.ErrSessionDescriptorInvalid, "local_handle not present among players")
	}

	return d, nil
}

// ReadAndConsume implements the one-shot file contract: read, decode,
// validate, then delete — in that order, and only once decode succeeds.
func ReadAndConsume(path string) (Descriptor, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Descriptor{}, core.NewError(core.ErrSessionDescriptorInvalid, fmt.Sprintf("stat %q: %v", path, err))
	}
	if info.Size() > MaxSize {
		return Descriptor{}, core.NewError(core.ErrSessionDescriptorInvalid,
			fmt.Sprintf("%q is %d bytes, exceeds %d byte cap", path, info.Size(), MaxSize))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, core.NewError(core.ErrSessionDescriptorInvalid, fmt.Sprintf("read %q: %v", path, err))
	}
	d, err := Decode(data)
	if err != nil {
		return Descriptor{}, err
	}
	if err := os.Remove(path); err != nil {
		return Descriptor{}, core.NewError(core.ErrSessionDescriptorInvalid, fmt.Sprintf("unlink %q: %v", path, err))
	}
	return d, nil
}

func invalidErr(details string, cause error) *core.Error {
	return &core.Error{Kind: core.ErrSessionDescriptorInvalid, Details: details, Cause: cause}
}

func appendU16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendU16(buf, uint16(len(s)))
	return append(buf, s...)
}

func appendBytes(buf []byte, b []byte) []byte {
	buf = appendU32(buf, uint32(len(b)))
	return append(buf, b...)
}
