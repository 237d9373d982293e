// Package handshake implements the NCHS hello/ready protocol that closes
// the race between peers binding their sockets and the rollback session
// emitting its first packet.
package handshake

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/nethercore-systems/nethercore-sub000/internal/core"
	"github.com/nethercore-systems/nethercore-sub000/internal/descriptor"
	"github.com/nethercore-systems/nethercore-sub000/internal/session"
	"github.com/nethercore-systems/nethercore-sub000/internal/transport"
)

// Timeout is the fatal deadline for the entire handshake.
const Timeout = 10 * time.Second

// helloInterval is how often a guest resends HELLO while waiting for READY.
const helloInterval = 50 * time.Millisecond

const (
	kindHello = "NCHS_HELLO"
	kindReady = "NCHS_READY"
)

// Result is what a successful handshake hands the caller: enough to build
// a session.Config and session.NewP2P.
type Result struct {
	LocalHandle core.Handle
	Players     []session.PlayerSlot
	Transport   transport.Transport
	RandomSeed  uint64
	TickRate    uint16
	Network     descriptor.NetworkConfig
}

// Bind opens a transport listening on the local handle's assigned port.
// Production callers pass transport.ListenUDP; tests pass a closure
// returning a pre-built LoopbackTransport.
type Bind func(port uint16) (transport.Transport, error)

// Run consumes the session descriptor, binds the local transport, then
// either hostWait (handle 0) or guestHello (handle != 0), and finally
// builds the player list from observed or declared addresses.
func Run(ctx context.Context, descriptorPath string, bind Bind) (Result, error) {
	desc, err := descriptor.ReadAndConsume(descriptorPath)
	if err != nil {
		return Result{}, err
	}

	var localPort uint16
	found := false
	for _, p := range desc.Players {
		if p.Handle == desc.LocalHandle {
			localPort = p.GGRSPort
			found = true
			break
		}
	}
	if !found {
		return Result{}, core.NewError(core.ErrSessionDescriptorInvalid, "local_handle has no matching player entry")
	}

	tr, err := bind(localPort)
	if err != nil {
		return Result{}, core.NewError(core.ErrTransportUnavailable, fmt.Sprintf("bind port %d: %v", localPort, err))
	}

	hctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	var observed map[core.Handle]net.Addr
	if desc.LocalHandle == 0 {
		observed, err = hostWait(hctx, tr, desc)
	} else {
		observed, err = guestHello(hctx, tr, desc)
	}
	if err != nil {
		_ = tr.Close()
		return Result{}, err
	}

	slots, err := buildSlots(desc, observed)
	if err != nil {
		_ = tr.Close()
		return Result{}, err
	}

	return Result{
		LocalHandle: desc.LocalHandle,
		Players:     slots,
		Transport:   tr,
		RandomSeed:  desc.RandomSeed,
		TickRate:    desc.TickRate,
		Network:     desc.Network,
	}, nil
}

// hostWait listens for HELLO from every expected guest handle, records
// the observed source address, and replies READY to that source.
// Completes once every guest has been heard from.
func hostWait(ctx context.Context, tr transport.Transport, desc descriptor.Descriptor) (map[core.Handle]net.Addr, error) {
	expected := make(map[core.Handle]struct{})
	for _, p := range desc.Players {
		if p.Handle != 0 && p.Active {
			expected[p.Handle] = struct{}{}
		}
	}
	observed := make(map[core.Handle]net.Addr)

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for len(observed) < len(expected) {
		select {
		case <-ctx.Done():
			return nil, core.NewError(core.ErrHandshakeTimeout, "host: timed out waiting for guest HELLOs")
		case <-ticker.C:
			src, data, ok := tr.RecvNonblocking()
			if !ok {
				continue
			}
			kind, handle, ok := decode(data)
			if !ok || kind != kindHello {
				continue
			}
			if _, want := expected[handle]; !want {
				continue
			}
			if _, already := observed[handle]; !already {
				observed[handle] = src
			}
			if err := tr.Send(src, encode(kindReady, 0)); err != nil {
				return nil, core.NewError(core.ErrTransportUnavailable, fmt.Sprintf("host: send READY to %s: %v", src, err))
			}
		}
	}
	return observed, nil
}

// guestHello resends HELLO to the host's declared address every ~50ms
// until READY is observed.
func guestHello(ctx context.Context, tr transport.Transport, desc descriptor.Descriptor) (map[core.Handle]net.Addr, error) {
	var hostAddr *net.UDPAddr
	for _, p := range desc.Players {
		if p.Handle == 0 {
			resolved, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", p.PublicAddr, p.GGRSPort))
			if err != nil {
				return nil, core.NewError(core.ErrSessionDescriptorInvalid, fmt.Sprintf("resolve host address %q: %v", p.PublicAddr, err))
			}
			hostAddr = resolved
		}
	}
	if hostAddr == nil {
		return nil, core.NewError(core.ErrSessionDescriptorInvalid, "descriptor has no host (handle 0) entry")
	}

	ticker := time.NewTicker(helloInterval)
	defer ticker.Stop()

	hello := encode(kindHello, desc.LocalHandle)
	if err := tr.Send(hostAddr, hello); err != nil {
		return nil, core.NewError(core.ErrTransportUnavailable, fmt.Sprintf("guest: send HELLO: %v", err))
	}

	for {
		select {
		case <-ctx.Done():
			return nil, core.NewError(core.ErrHandshakeTimeout, "guest: timed out waiting for host READY")
		case <-ticker.C:
			if err := tr.Send(hostAddr, hello); err != nil {
				return nil, core.NewError(core.ErrTransportUnavailable, fmt.Sprintf("guest: send HELLO: %v", err))
			}
			for {
				_, data, ok := tr.RecvNonblocking()
				if !ok {
					break
				}
				kind, handle, ok := decode(data)
				if ok && kind == kindReady && handle == 0 {
					return map[core.Handle]net.Addr{0: hostAddr}, nil
				}
			}
		}
	}
}

// buildSlots assembles the player list using observed remote addresses
// (host side) or the declared host address (guest side).
func buildSlots(desc descriptor.Descriptor, observed map[core.Handle]net.Addr) ([]session.PlayerSlot, error) {
	slots := make([]session.PlayerSlot, 0, len(desc.Players))
	for _, p := range desc.Players {
		slot := session.PlayerSlot{Handle: p.Handle, Connected: true, Quality: core.QualityExcellent}
		switch {
		case p.Handle == desc.LocalHandle:
			slot.Kind = core.SlotLocal
		default:
			slot.Kind = core.SlotRemote
			addr, ok := observed[p.Handle]
			if !ok {
				resolved, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", p.PublicAddr, p.GGRSPort))
				if err != nil {
					return nil, core.NewError(core.ErrSessionDescriptorInvalid, fmt.Sprintf("resolve peer address %q: %v", p.PublicAddr, err))
				}
				addr = resolved
			}
			slot.Addr = addr
		}
		slots = append(slots, slot)
	}
	return slots, nil
}

func encode(kind string, handle core.Handle) []byte {
	return append([]byte(kind), byte(handle))
}

func decode(data []byte) (kind string, handle core.Handle, ok bool) {
	const wantLen = len(kindHello) + 1 // both magics are the same length
	if len(data) != wantLen {
		return "", 0, false
	}
	s := string(data[:wantLen-1])
	if s != kindHello && s != kindReady {
		return "", 0, false
	}
	return s, core.Handle(data[wantLen-1]), true
}
