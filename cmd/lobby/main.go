// Command lobby runs the Phase I lobby process: a small Echo/sqlite
// service that lets players create rooms, join seats, ready up, and
// receive a Session Descriptor per seat once the host starts the match.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"golang.org/x/time/rate"

	"github.com/nethercore-systems/nethercore-sub000/internal/lobby"
	"github.com/nethercore-systems/nethercore-sub000/internal/lobby/httpapi"
	"github.com/nethercore-systems/nethercore-sub000/internal/lobby/ratelimit"
	"github.com/nethercore-systems/nethercore-sub000/internal/lobby/store"
)

func main() {
	addr := flag.String("addr", ":8420", "HTTP listen address")
	dbPath := flag.String("db", "lobby.db", "sqlite database path")
	rateLimit := flag.Float64("rate-limit", 5, "max room-lifecycle requests/second per IP")
	burst := flag.Int("burst", 10, "rate limiter burst size per IP")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	st, err := store.Open(*dbPath)
	if err != nil {
		slog.Error("open lobby store", "path", *dbPath, "err", err)
		os.Exit(1)
	}
	defer st.Close()

	limiter := ratelimit.New(ratelimit.Config{
		Rate:            rate.Limit(*rateLimit),
		Burst:           *burst,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	})
	defer limiter.Stop()

	registry := lobby.NewRegistry(st)
	api := httpapi.New(registry, limiter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("lobby shutting down")
		cancel()
	}()

	slog.Info("lobby listening", "addr", *addr, "db", *dbPath)
	if err := api.Run(ctx, *addr); err != nil {
		slog.Error("lobby server exited", "err", err)
		os.Exit(1)
	}
}
