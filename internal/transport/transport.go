// Package transport implements an unreliable, unordered, non-blocking
// datagram abstraction: an OS UDP implementation for real sessions, and an
// in-process loopback implementation for deterministic tests. Both satisfy
// the same Transport interface so the rollback session never knows which
// one it is driving.
package transport

import (
	"fmt"
	"net"
	"time"
)

// MaxDatagramSize is the maximum payload size this package will send or
// accept.
const MaxDatagramSize = 1200

// Transport is the datagram abstraction consumed by the rollback session
// and the NCHS handshake. Implementations never block.
type Transport interface {
	// Send is best-effort: it returns nil on successful handoff to the OS
	// (or peer queue), or an error. Transient failures are the caller's to
	// decide whether to treat as fatal; the session treats them as dropped.
	Send(dst net.Addr, b []byte) error
	// RecvNonblocking returns the next queued datagram, or ok=false if the
	// queue is currently empty. It never blocks.
	RecvNonblocking() (src net.Addr, b []byte, ok bool)
	LocalAddr() net.Addr
	Close() error
}

// ErrTooLarge is returned by Send when the payload exceeds MaxDatagramSize.
var ErrTooLarge = fmt.Errorf("transport: payload exceeds %d bytes", MaxDatagramSize)

// UDPTransport is the operating-system UDP implementation. Non-blocking
// receive is implemented with a near-zero read deadline rather than a
// separate poller goroutine.
type UDPTransport struct {
	conn *net.UDPConn
	buf  [MaxDatagramSize]byte
}

// ListenUDP binds a UDP socket on addr (e.g. ":7000") and returns a ready
// Transport.
func ListenUDP(addr string) (*UDPTransport, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %q: %w", addr, err)
	}
	return &UDPTransport{conn: conn}, nil
}

func (t *UDPTransport) Send(dst net.Addr, b []byte) error {
	if len(b) > MaxDatagramSize {
		return ErrTooLarge
	}
	udst, ok := dst.(*net.UDPAddr)
	if !ok {
		resolved, err := net.ResolveUDPAddr("udp", dst.String())
		if err != nil {
			return fmt.Errorf("transport: resolve dst: %w", err)
		}
		udst = resolved
	}
	// A send error is returned as is; the caller decides whether to treat
	// it as a dropped frame.
	_, err := t.conn.WriteToUDP(b, udst)
	return err
}

func (t *UDPTransport) RecvNonblocking() (net.Addr, []byte, bool) {
	_ = t.conn.SetReadDeadline(time.Now().Add(time.Microsecond))
	n, src, err := t.conn.ReadFromUDP(t.buf[:])
	if err != nil {
		return nil, nil, false
	}
	out := make([]byte, n)
	copy(out, t.buf[:n])
	return src, out, true
}

func (t *UDPTransport) LocalAddr() net.Addr { return t.conn.LocalAddr() }

func (t *UDPTransport) Close() error { return t.conn.Close() }

// loopbackAddr is an address identifying one endpoint of an in-memory
// loopback pair.
type loopbackAddr string

func (a loopbackAddr) Network() string { return "loopback" }
func (a loopbackAddr) String() string  { return string(a) }

type datagram struct {
	from net.Addr
	data []byte
}

// LoopbackTransport is the in-process, deterministic-test implementation.
// Two endpoints share in-memory queues; nothing touches the OS network
// stack.
type LoopbackTransport struct {
	self  loopbackAddr
	inbox chan datagram
	peer  *LoopbackTransport

	// delay, if non-zero, is applied once to the first Send call — used to
	// reproduce a slow-starting peer deterministically in tests.
	delay      time.Duration
	delayOnce  bool
	delayTimer *time.Timer
}

// LoopbackPair creates two connected LoopbackTransport endpoints with the
// given queue depth.
func LoopbackPair(nameA, nameB string, queueDepth int) (*LoopbackTransport, *LoopbackTransport) {
	a := &LoopbackTransport{self: loopbackAddr(nameA), inbox: make(chan datagram, queueDepth)}
	b := &LoopbackTransport{self: loopbackAddr(nameB), inbox: make(chan datagram, queueDepth)}
	a.peer = b
	b.peer = a
	return a, b
}

// SetStartupDelay delays delivery of this endpoint's first Send to its
// peer by the given duration, simulating a slow-starting guest used to
// reproduce a handshake race in tests. Later Sends are delivered at once.
// Must be called before any Send.
func (t *LoopbackTransport) SetStartupDelay(d time.Duration) {
	t.delay = d
}

func (t *LoopbackTransport) Send(dst net.Addr, b []byte) error {
	if len(b) > MaxDatagramSize {
		return ErrTooLarge
	}
	if t.peer == nil {
		return fmt.Errorf("transport: loopback endpoint has no peer")
	}
	out := make([]byte, len(b))
	copy(out, b)
	dg := datagram{from: t.self, data: out}

	if t.delay > 0 && !t.delayOnce {
		t.delayOnce = true
		d := t.delay
		go func() {
			time.Sleep(d)
			select {
			case t.peer.inbox <- dg:
			default:
			}
		}()
		return nil
	}

	select {
	case t.peer.inbox <- dg:
	default:
		// Full queue: transient drop.
	}
	return nil
}

func (t *LoopbackTransport) RecvNonblocking() (net.Addr, []byte, bool) {
	select {
	case dg := <-t.inbox:
		return dg.from, dg.data, true
	default:
		return nil, nil, false
	}
}

func (t *LoopbackTransport) LocalAddr() net.Addr { return t.self }

func (t *LoopbackTransport) Close() error { return nil }
