// Package httpapi exposes the lobby's room lifecycle over HTTP and
// pushes roster changes over a websocket.
package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/nethercore-systems/nethercore-sub000/internal/core"
	"github.com/nethercore-systems/nethercore-sub000/internal/descriptor"
	"github.com/nethercore-systems/nethercore-sub000/internal/lobby"
	"github.com/nethercore-systems/nethercore-sub000/internal/lobby/ratelimit"
	"github.com/nethercore-systems/nethercore-sub000/internal/lobby/store"
)

const wsWriteTimeout = 5 * time.Second

// Server is the lobby's Echo application.
type Server struct {
	echo     *echo.Echo
	registry *lobby.Registry
	limiter  *ratelimit.Limiter
	upgrader websocket.Upgrader
}

// New constructs an Echo app with the lobby's REST and websocket routes.
func New(registry *lobby.Registry, limiter *ratelimit.Limiter) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{
		echo:     e,
		registry: registry,
		limiter:  limiter,
		upgrader: websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }},
	}
	s.registerRoutes()
	return s
}

func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			slog.Info("lobby http request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

func (s *Server) registerRoutes() {
	s.echo.POST("/rooms", s.rateLimited(s.handleCreateRoom))
	s.echo.POST("/rooms/:id/join", s.rateLimited(s.handleJoin))
	s.echo.POST("/rooms/:id/ready", s.rateLimited(s.handleReady))
	s.echo.POST("/rooms/:id/start", s.rateLimited(s.handleStart))
	s.echo.GET("/rooms/:id/roster", s.handleRoster)
	s.echo.GET("/rooms/:id/ws", s.handleWebSocket)
}

func (s *Server) rateLimited(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ip := ratelimit.ExtractIP(c.Request())
		if !s.limiter.Allow(ip) {
			return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
		}
		return next(c)
	}
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down lobby http server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type createRoomRequest struct {
	ROMHash     uint64 `json:"rom_hash"`
	HostAddr    string `json:"host_addr"`
	DisplayName string `json:"display_name"`
	Color       uint32 `json:"color"`
}

type createRoomResponse struct {
	RoomID string `json:"room_id"`
	Handle uint8  `json:"handle"`
}

func (s *Server) handleCreateRoom(c echo.Context) error {
	var req createRoomRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
	}
	id, err := s.registry.CreateRoom(c.Request().Context(), req.ROMHash, req.HostAddr, req.DisplayName, req.Color)
	if err != nil {
		return toHTTPError(err)
	}
	slog.Info("lobby room created", "room_id", id, "host_addr", req.HostAddr)
	return c.JSON(http.StatusCreated, createRoomResponse{RoomID: id, Handle: 0})
}

type joinRequest struct {
	PublicAddr  string `json:"public_addr"`
	GGRSPort    uint16 `json:"ggrs_port"`
	DisplayName string `json:"display_name"`
	Color       uint32 `json:"color"`
}

type joinResponse struct {
	Handle uint8 `json:"handle"`
}

func (s *Server) handleJoin(c echo.Context) error {
	var req joinRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
	}
	handle, err := s.registry.Join(c.Request().Context(), c.Param("id"), req.PublicAddr, req.GGRSPort, req.DisplayName, req.Color)
	if err != nil {
		return toHTTPError(err)
	}
	slog.Info("lobby seat joined", "room_id", c.Param("id"), "handle", handle)
	return c.JSON(http.StatusOK, joinResponse{Handle: handle})
}

type readyRequest struct {
	Handle uint8 `json:"handle"`
	Ready  bool  `json:"ready"`
}

func (s *Server) handleReady(c echo.Context) error {
	var req readyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
	}
	if err := s.registry.SetReady(c.Request().Context(), c.Param("id"), req.Handle, req.Ready); err != nil {
		return toHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type startRequest struct {
	TickRate         uint16 `json:"tick_rate"`
	InputDelay       uint8  `json:"input_delay"`
	PredictionLimit  uint8  `json:"prediction_limit"`
	SyncTestDistance uint8  `json:"sync_test_distance"`
}

type startResponse struct {
	// Descriptors maps each handle to its base64-encoded NCD1 bytes.
	// The lobby has no filesystem access to a remote peer's machine, so
	// each peer downloads its own descriptor and writes it to the local
	// path its player process expects before launching with --session.
	Descriptors map[uint8]string `json:"descriptors"`
}

func (s *Server) handleStart(c echo.Context) error {
	var req startRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
	}
	if req.TickRate == 0 {
		req.TickRate = 60
	}
	net := descriptor.NetworkConfig{
		TickRate:         req.TickRate,
		InputDelay:       req.InputDelay,
		PredictionLimit:  req.PredictionLimit,
		SyncTestDistance: req.SyncTestDistance,
	}
	descriptors, err := s.registry.Start(c.Request().Context(), c.Param("id"), net)
	if err != nil {
		return toHTTPError(err)
	}

	encoded := make(map[uint8]string, len(descriptors))
	for handle, d := range descriptors {
		raw, err := descriptor.Encode(d)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("encode descriptor: %v", err))
		}
		encoded[handle] = base64.StdEncoding.EncodeToString(raw)
	}
	slog.Info("lobby room started", "room_id", c.Param("id"), "players", len(encoded))
	return c.JSON(http.StatusOK, startResponse{Descriptors: encoded})
}

func (s *Server) handleRoster(c echo.Context) error {
	roster, err := s.registry.Roster(c.Request().Context(), c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, roster)
}

func (s *Server) handleWebSocket(c echo.Context) error {
	roomID := c.Param("id")
	remoteAddr := c.RealIP()

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("lobby ws upgrade failed", "remote", remoteAddr, "err", err)
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	s.serveRoster(conn, roomID, remoteAddr)
	return nil
}

func (s *Server) serveRoster(conn *websocket.Conn, roomID, remoteAddr string) {
	defer conn.Close()

	updates, cancel := s.registry.Subscribe(roomID)
	defer cancel()

	if initial, err := s.registry.Roster(context.Background(), roomID); err == nil {
		s.writeRoster(conn, initial)
	}

	// A reader goroutine drains and discards client frames so ping/pong
	// control frames and an eventual close are still observed; this
	// socket is push-only from the lobby's side.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			if !s.writeRoster(conn, update) {
				return
			}
		case <-closed:
			return
		}
	}
}

func (s *Server) writeRoster(conn *websocket.Conn, update lobby.RosterUpdate) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(update); err != nil {
		slog.Debug("lobby ws write error", "err", err)
		return false
	}
	return true
}

func toHTTPError(err error) error {
	if errors.Is(err, store.ErrRoomNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "room not found")
	}
	var ce *core.Error
	if errors.As(err, &ce) {
		return echo.NewHTTPError(http.StatusBadRequest, ce.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
