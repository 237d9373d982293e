// Command nethercore is the player process: it loads a guest program,
// assembles a rollback session in one of five modes (local, sync-test,
// loopback p2p, direct host/join, or a lobby-negotiated session), and
// drives the pacer/session/audio loop until the guest ends or a fatal
// error is reported.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/zeebo/xxh3"

	"github.com/nethercore-systems/nethercore-sub000/internal/audio"
	"github.com/nethercore-systems/nethercore-sub000/internal/core"
	"github.com/nethercore-systems/nethercore-sub000/internal/descriptor"
	"github.com/nethercore-systems/nethercore-sub000/internal/handshake"
	"github.com/nethercore-systems/nethercore-sub000/internal/pacer"
	"github.com/nethercore-systems/nethercore-sub000/internal/runtime"
	"github.com/nethercore-systems/nethercore-sub000/internal/session"
	"github.com/nethercore-systems/nethercore-sub000/internal/transport"
)

// defaultTickRate is used whenever a mode has no other source of truth
// for the simulation rate (a descriptor or a remote negotiation).
const defaultTickRate = 60

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	os.Exit(run())
}

// run returns the process exit code rather than calling os.Exit directly,
// so every code path funnels through one place that maps core.Error to
// its exit code.
func run() int {
	romPath := flag.String("rom", "", "load guest program from path")
	players := flag.Int("players", 1, "local player count (Local mode only)")
	inputDelay := flag.Int("input-delay", 2, "per-frame input delay (0..10)")
	syncTest := flag.Int("sync-test", -1, "enable SyncTest mode with the given rollback distance")
	p2p := flag.String("p2p", "", "loopback P2P for local testing: \"bind=<port> peer=<port> local=<0|1>\"")
	host := flag.Bool("host", false, "host mode; waits for a guest connection on -port")
	port := flag.Int("port", 0, "UDP port for -host")
	join := flag.String("join", "", "join mode; connects to a host directly (host:port)")
	sessionPath := flag.String("session", "", "consume a pre-negotiated session descriptor (NCHS flow)")
	predictionLimit := flag.Int("prediction-limit", 8, "max ticks a P2P session may predict ahead of the last confirmed tick")
	flag.Parse()

	if *romPath == "" {
		slog.Error("missing required -rom")
		return core.ExitCode(core.NewError(core.ErrSessionDescriptorInvalid, "missing -rom"))
	}
	romBytes, err := os.ReadFile(*romPath)
	if err != nil {
		slog.Error("read rom", "path", *romPath, "err", err)
		return core.ExitCode(core.NewError(core.ErrSessionDescriptorInvalid, fmt.Sprintf("read rom: %v", err)))
	}
	slog.Info("loaded rom", "path", *romPath, "hash", fmt.Sprintf("%016x", runtime.ROMHash(romBytes)))

	if *players < 1 || *players > 4 {
		slog.Error("invalid -players", "value", *players)
		return core.ExitCode(core.NewError(core.ErrSessionDescriptorInvalid, "-players must be in 1..4"))
	}
	if *inputDelay < 0 || *inputDelay > 10 {
		slog.Error("invalid -input-delay", "value", *inputDelay)
		return core.ExitCode(core.NewError(core.ErrSessionDescriptorInvalid, "-input-delay must be in 0..10"))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	switch {
	case *sessionPath != "":
		return runWithDescriptorPath(ctx, *sessionPath, romBytes, *inputDelay, *predictionLimit)
	case *p2p != "":
		return runLoopbackP2P(ctx, *p2p, romBytes, *inputDelay, *predictionLimit)
	case *host:
		return runDirectHost(ctx, *port, romBytes, *inputDelay, *predictionLimit)
	case *join != "":
		return runDirectJoin(ctx, *join, romBytes, *inputDelay, *predictionLimit)
	case *syncTest >= 0:
		return runSyncTest(ctx, romBytes, *syncTest, *inputDelay)
	default:
		return runLocal(ctx, romBytes, *players, *inputDelay)
	}
}

// runLocal drives a KindLocal session: every configured local handle
// supplies input and ticks together each pacer frame.
func runLocal(ctx context.Context, romBytes []byte, playerCount, inputDelay int) int {
	rt := runtime.NewMemoryGuest(playerCount)
	handles := make([]core.Handle, playerCount)
	for i := range handles {
		handles[i] = core.Handle(i)
	}
	cfg := session.Config{
		PlayerCount:  playerCount,
		LocalHandles: handles,
		TickRate:     defaultTickRate,
		InputDelay:   inputDelay,
	}
	sess := session.NewLocal(cfg, rt)
	return driveLoop(ctx, rt, sess.AdvanceLocal, func(core.Handle, core.Input) {}, handles)
}

// runSyncTest drives a KindSyncTest session: one local handle, forcing a
// rollback-and-replay every distance ticks and comparing checksums.
func runSyncTest(ctx context.Context, romBytes []byte, distance, inputDelay int) int {
	rt := runtime.NewMemoryGuest(1)
	cfg := session.Config{
		PlayerCount:      1,
		LocalHandles:     []core.Handle{0},
		TickRate:         defaultTickRate,
		InputDelay:       inputDelay,
		SyncTestDistance: distance,
	}
	sess := session.NewSyncTest(cfg, rt)
	return driveLoop(ctx, rt, sess.AdvanceSyncTest, func(core.Handle, core.Input) {}, []core.Handle{0})
}

// runLoopbackP2P builds an in-memory two-player descriptor from the
// "bind=<port> peer=<port> local=<0|1>" flag value and runs it through the
// same NCHS descriptor path as a lobby-negotiated session, so loopback
// testing and production networking share one code path.
func runLoopbackP2P(ctx context.Context, spec string, romBytes []byte, inputDelay, predictionLimit int) int {
	bindPort, peerPort, local, err := parseP2PSpec(spec)
	if err != nil {
		slog.Error("invalid -p2p", "err", err)
		return core.ExitCode(core.NewError(core.ErrSessionDescriptorInvalid, err.Error()))
	}

	seed := xxh3.HashString(fmt.Sprintf("p2p:%d:%d", minU16(bindPort, peerPort), maxU16(bindPort, peerPort)))
	net := descriptor.NetworkConfig{TickRate: defaultTickRate, InputDelay: uint8(inputDelay), PredictionLimit: uint8(predictionLimit)}

	var desc descriptor.Descriptor
	if local == 0 {
		desc = twoPlayerDescriptor(seed, net, "127.0.0.1", bindPort, "127.0.0.1", peerPort, 0)
	} else {
		desc = twoPlayerDescriptor(seed, net, "127.0.0.1", peerPort, "127.0.0.1", bindPort, 1)
	}

	path, err := writeTempDescriptor(desc)
	if err != nil {
		slog.Error("stage loopback descriptor", "err", err)
		return core.ExitCode(core.NewError(core.ErrSessionDescriptorInvalid, err.Error()))
	}
	return runWithDescriptorPath(ctx, path, romBytes, inputDelay, predictionLimit)
}

// runDirectHost builds a descriptor for the not-yet-known guest and
// resolves RandomSeed from the listening port alone, since the host has
// no prior channel to exchange a seed with a guest it hasn't heard from
// yet.
func runDirectHost(ctx context.Context, port int, romBytes []byte, inputDelay, predictionLimit int) int {
	if port <= 0 || port > 65535 {
		slog.Error("invalid -port for -host", "value", port)
		return core.ExitCode(core.NewError(core.ErrSessionDescriptorInvalid, "-port must be in 1..65535"))
	}
	seed := xxh3.HashString(fmt.Sprintf("host-port:%d", port))
	net := descriptor.NetworkConfig{TickRate: defaultTickRate, InputDelay: uint8(inputDelay), PredictionLimit: uint8(predictionLimit)}
	desc := twoPlayerDescriptor(seed, net, "0.0.0.0", uint16(port), "", 0, 0)

	path, err := writeTempDescriptor(desc)
	if err != nil {
		slog.Error("stage host descriptor", "err", err)
		return core.ExitCode(core.NewError(core.ErrSessionDescriptorInvalid, err.Error()))
	}
	return runWithDescriptorPath(ctx, path, romBytes, inputDelay, predictionLimit)
}

// runDirectJoin mirrors runDirectHost from the guest's side: it resolves
// the same seed from the host's declared port and binds an ephemeral
// local port (0), since the host never needs to dial the guest first.
func runDirectJoin(ctx context.Context, hostAddr string, romBytes []byte, inputDelay, predictionLimit int) int {
	host, portStr, err := splitHostPort(hostAddr)
	if err != nil {
		slog.Error("invalid -join", "value", hostAddr, "err", err)
		return core.ExitCode(core.NewError(core.ErrSessionDescriptorInvalid, err.Error()))
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		slog.Error("invalid -join port", "value", hostAddr)
		return core.ExitCode(core.NewError(core.ErrSessionDescriptorInvalid, "-join must be host:port"))
	}
	seed := xxh3.HashString(fmt.Sprintf("host-port:%d", port))
	net := descriptor.NetworkConfig{TickRate: defaultTickRate, InputDelay: uint8(inputDelay), PredictionLimit: uint8(predictionLimit)}
	desc := twoPlayerDescriptor(seed, net, host, uint16(port), "", 0, 1)

	path, err := writeTempDescriptor(desc)
	if err != nil {
		slog.Error("stage join descriptor", "err", err)
		return core.ExitCode(core.NewError(core.ErrSessionDescriptorInvalid, err.Error()))
	}
	return runWithDescriptorPath(ctx, path, romBytes, inputDelay, predictionLimit)
}

// runWithDescriptorPath is the single NCHS entry point shared by
// -session, -p2p, -host and -join: it consumes and deletes the
// descriptor, runs the handshake, and drives the resulting P2P session.
func runWithDescriptorPath(ctx context.Context, path string, romBytes []byte, inputDelay, predictionLimit int) int {
	result, err := handshake.Run(ctx, path, func(port uint16) (transport.Transport, error) {
		return transport.ListenUDP(fmt.Sprintf(":%d", port))
	})
	if err != nil {
		slog.Error("handshake failed", "err", err)
		return core.ExitCode(err)
	}
	defer result.Transport.Close()
	slog.Info("handshake complete", "local_handle", result.LocalHandle, "peers", len(result.Players)-1)

	if result.Network.InputDelay != 0 {
		inputDelay = int(result.Network.InputDelay)
	}
	if result.Network.PredictionLimit != 0 {
		predictionLimit = int(result.Network.PredictionLimit)
	}

	rt := runtime.NewMemoryGuest(len(result.Players))
	cfg := session.Config{
		PlayerCount:     len(result.Players),
		LocalHandles:    []core.Handle{result.LocalHandle},
		TickRate:        int(result.TickRate),
		InputDelay:      inputDelay,
		PredictionLimit: predictionLimit,
		RandomSeed:      result.RandomSeed,
	}
	sess, err := session.NewP2P(cfg, rt, result.Transport, result.Players)
	if err != nil {
		slog.Error("build P2P session", "err", err)
		return core.ExitCode(core.NewError(core.ErrSessionDescriptorInvalid, err.Error()))
	}

	localHandles := []core.Handle{result.LocalHandle}
	return driveLoop(ctx, rt, sess.AdvanceP2P, func(h core.Handle, in core.Input) {
		sess.SupplyLocalInput(h, in)
	}, localHandles)
}

// driveLoop runs the shared pacer/audio/session main loop. supplyInput is
// called once per local handle before every advance call, so local and
// P2P sessions can plug in SupplyLocalInput identically; Local/SyncTest
// pass a no-op since their drivers pull straight from localInputFor
// internally via the zero input default.
func driveLoop(ctx context.Context, rt runtime.Runtime, advance func() (session.AdvanceResult, error), supplyInput func(core.Handle, core.Input), localHandles []core.Handle) int {
	if err := portaudio.Initialize(); err != nil {
		slog.Error("portaudio initialize", "err", err)
		return core.ExitCode(core.NewError(core.ErrTransportUnavailable, err.Error()))
	}
	defer portaudio.Terminate()

	worker := audio.NewWorker()
	player, err := newAudioPlayer(worker)
	if err != nil {
		slog.Error("open audio stream", "err", err)
		return core.ExitCode(core.NewError(core.ErrTransportUnavailable, err.Error()))
	}
	worker.Start(player.sampleRate, defaultTickRate)
	defer func() {
		_ = worker.Close()
		worker.Wait()
	}()
	if err := player.start(); err != nil {
		slog.Error("start audio stream", "err", err)
		return core.ExitCode(core.NewError(core.ErrTransportUnavailable, err.Error()))
	}
	defer player.stop()

	debug := pacer.NewDebugController()
	debug.Discover(rt)

	p := pacer.New(defaultTickRate, time.Now())
	p.SetPredictionLimit(8)

	for {
		select {
		case <-ctx.Done():
			slog.Info("shutdown requested")
			return 0
		default:
		}

		now := time.Now()
		due := p.CatchUpTicks(now)
		if due == 0 {
			time.Sleep(time.Millisecond)
			continue
		}

		for i := 0; i < due; i++ {
			for _, h := range localHandles {
				supplyInput(h, core.Input{})
			}

			result, err := advance()
			p.Advance()
			if err != nil {
				var ce *core.Error
				if errors.As(err, &ce) && ce.Kind == core.ErrPredictionOverrun {
					break
				}
				slog.Error("session advance failed", "err", err)
				return core.ExitCode(err)
			}
			for _, ev := range result.Events {
				logSessionEvent(ev)
			}
			debug.Flush(rt)
		}
	}
}

func logSessionEvent(ev session.Event) {
	switch ev.Kind {
	case session.EventSynchronized:
		slog.Info("session synchronized")
	case session.EventNetworkInterrupted:
		slog.Warn("network interrupted", "handle", ev.Handle)
	case session.EventNetworkResumed:
		slog.Info("network resumed", "handle", ev.Handle)
	case session.EventDisconnected:
		slog.Warn("peer disconnected", "handle", ev.Handle)
	case session.EventWaitRecommendation:
		slog.Info("wait recommended", "elapsed_ms", ev.ElapsedMs)
	}
}

// outputChannels is the interleaved stereo frame width written to the
// portaudio buffer.
const outputChannels = 2

// outputFramesPerBuffer is a fixed hardware buffer size rather than a
// platform-chosen one.
const outputFramesPerBuffer = 512

// audioPlayer owns the portaudio output stream and the goroutine that
// drains the worker's ring into it: a buffer-based (not callback-based)
// stream, filled and written in a dedicated goroutine, stopped before
// closed.
type audioPlayer struct {
	worker     *audio.Worker
	stream     *portaudio.Stream
	buf        []float32
	sampleRate int
	stopCh     chan struct{}
	done       chan struct{}
}

func newAudioPlayer(worker *audio.Worker) (*audioPlayer, error) {
	outputDev, err := portaudio.DefaultOutputDevice()
	if err != nil {
		return nil, err
	}
	sampleRate := int(outputDev.DefaultSampleRate)
	if sampleRate <= 0 {
		sampleRate = 44100
	}

	buf := make([]float32, outputFramesPerBuffer*outputChannels)
	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   outputDev,
			Channels: outputChannels,
			Latency:  outputDev.DefaultLowOutputLatency,
		},
		SampleRate:      float64(sampleRate),
		FramesPerBuffer: outputFramesPerBuffer,
	}
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, err
	}

	return &audioPlayer{
		worker:     worker,
		stream:     stream,
		buf:        buf,
		sampleRate: sampleRate,
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}, nil
}

func (p *audioPlayer) start() error {
	if err := p.stream.Start(); err != nil {
		return err
	}
	go p.run()
	return nil
}

// stop halts the stream before closing it and waits for run to exit, to
// avoid writing to a freed native stream.
func (p *audioPlayer) stop() {
	close(p.stopCh)
	_ = p.stream.Stop()
	<-p.done
	_ = p.stream.Close()
}

func (p *audioPlayer) run() {
	defer close(p.done)
	ring := p.worker.Ring()
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		for i := 0; i < outputFramesPerBuffer; i++ {
			f, _ := ring.Pop()
			p.buf[i*outputChannels] = f[0]
			p.buf[i*outputChannels+1] = f[1]
		}
		p.worker.NotifySpace()

		if err := p.stream.Write(); err != nil {
			if p.isRunning() {
				slog.Error("audio playback write", "err", err)
			}
			return
		}
	}
}

func (p *audioPlayer) isRunning() bool {
	select {
	case <-p.stopCh:
		return false
	default:
		return true
	}
}

// parseP2PSpec parses "bind=<port> peer=<port> local=<0|1>".
func parseP2PSpec(spec string) (bindPort, peerPort uint16, local uint8, err error) {
	fields := strings.Fields(spec)
	vals := map[string]string{}
	for _, f := range fields {
		kv := strings.SplitN(f, "=", 2)
		if len(kv) != 2 {
			return 0, 0, 0, fmt.Errorf("p2p: malformed term %q", f)
		}
		vals[kv[0]] = kv[1]
	}
	bp, err := strconv.Atoi(vals["bind"])
	if err != nil {
		return 0, 0, 0, fmt.Errorf("p2p: missing or invalid bind=<port>")
	}
	pp, err := strconv.Atoi(vals["peer"])
	if err != nil {
		return 0, 0, 0, fmt.Errorf("p2p: missing or invalid peer=<port>")
	}
	lc, err := strconv.Atoi(vals["local"])
	if err != nil || (lc != 0 && lc != 1) {
		return 0, 0, 0, fmt.Errorf("p2p: local must be 0 or 1")
	}
	return uint16(bp), uint16(pp), uint8(lc), nil
}

// twoPlayerDescriptor builds a self-contained two-seat descriptor for the
// direct-connect modes, which have no lobby to assemble one for them.
func twoPlayerDescriptor(seed uint64, net descriptor.NetworkConfig, hostAddr string, hostPort uint16, guestAddr string, guestPort uint16, localHandle core.Handle) descriptor.Descriptor {
	return descriptor.Descriptor{
		PlayerCount: 2,
		TickRate:    net.TickRate,
		RandomSeed:  seed,
		Network:     net,
		Players: []descriptor.PlayerEntry{
			{Handle: 0, PublicAddr: hostAddr, GGRSPort: hostPort, Active: true},
			{Handle: 1, PublicAddr: guestAddr, GGRSPort: guestPort, Active: true},
		},
		LocalHandle: localHandle,
	}
}

// writeTempDescriptor encodes d and writes it to a fresh temp file so it
// can be handed to handshake.Run through the same ReadAndConsume path a
// lobby-delivered descriptor takes.
func writeTempDescriptor(d descriptor.Descriptor) (string, error) {
	raw, err := descriptor.Encode(d)
	if err != nil {
		return "", fmt.Errorf("encode descriptor: %w", err)
	}
	f, err := os.CreateTemp("", "nethercore-session-*.ncd1")
	if err != nil {
		return "", fmt.Errorf("create temp descriptor: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(raw); err != nil {
		return "", fmt.Errorf("write temp descriptor: %w", err)
	}
	return f.Name(), nil
}

func splitHostPort(addr string) (host, port string, err error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("expected host:port, got %q", addr)
	}
	return addr[:idx], addr[idx+1:], nil
}

func minU16(a, b uint16) uint16 {
	if a < b {
		return a
	}
	return b
}

func maxU16(a, b uint16) uint16 {
	if a > b {
		return a
	}
	return b
}
