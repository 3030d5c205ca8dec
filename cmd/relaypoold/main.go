// Command relaypoold serves queries, publishes and live streams over a
// pool of Nostr relay connections.
package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"nostr-relaypool/internal/cache"
	"nostr-relaypool/internal/config"
	"nostr-relaypool/internal/multirelay"
	"nostr-relaypool/internal/nostr"
	"nostr-relaypool/internal/pool"
	"nostr-relaypool/internal/relay"
	"nostr-relaypool/internal/telemetry"
)

func main() {
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	InitLogger(cfg.SlogLevel())

	if envErr != nil && !errors.Is(envErr, fs.ErrNotExist) {
		slog.Warn("could not read .env", "error", envErr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	sink, err := telemetry.Init("relaypoold")
	if err != nil {
		return err
	}

	backend, backendName := cache.NewBackend(cfg.Cache, slog.Default())
	defer backend.Close()

	p := pool.New(pool.Options{
		Capacity: cfg.Pool.Capacity,
		Relay: relay.Options{
			ConnectTimeout: cfg.Pool.ConnectTimeout,
			WriteTimeout:   cfg.Pool.WriteTimeout,
			StreamBuffer:   cfg.Pool.StreamBuffer,
			SkipVerify:     cfg.Pool.SkipVerify,
			OnNotice: func(relayURL, message string) {
				slog.Info("relay notice", telemetry.LabelRelay.L(relayURL), "message", message)
			},
		},
		ValidateURL: func(u string) error {
			return nostr.ValidateRelayURL(u, cfg.Pool.AllowPrivateRelays)
		},
	})
	defer p.Close()

	var members []string
	for _, r := range cfg.Relays {
		if u := nostr.NormalizeRelayURL(r); u != "" {
			members = append(members, u)
		} else {
			slog.Warn("skipping malformed relay URL", "url", r)
		}
	}
	if err := p.AddConnections(members); err != nil {
		slog.Warn("some relays were rejected", "error", err)
	}

	exec := multirelay.New(p, cache.NewQueryCache(backend, nil), multirelay.Options{
		RelayTimeout:   cfg.Query.RelayTimeout,
		PublishTimeout: cfg.Query.PublishTimeout,
		BatchWindow:    cfg.Query.BatchWindow,
		MaxBatch:       cfg.Query.MaxBatch,
	})

	srv := &server{
		pool:          p,
		exec:          exec,
		sink:          sink,
		cacheBackend:  backendName,
		publishRelays: cfg.PublishRelays,
		started:       time.Now(),
		pingInterval:  30 * time.Second,
	}

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		// streams end when the process is told to stop
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting server",
			"port", cfg.Port,
			"relays", len(members),
			"capacity", p.Capacity(),
			"cache_backend", backendName)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
