// Command vessel-relay runs the WebSocket bridge hub that connects vessel
// contexts on different machines into one change feed.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coachpo/vessel/bridge/wsbridge"
	"github.com/coachpo/vessel/config"
	"github.com/coachpo/vessel/internal/observability"
	"github.com/coachpo/vessel/lib/telemetry"
)

const (
	relayLoggerPrefix        = "vessel-relay "
	serverShutdownTimeout    = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	readHeaderTimeout        = 5 * time.Second
)

func main() {
	addr := flag.String("addr", ":8080", "Listen address for the relay server")
	configPath := flag.String("config", "", "Path to the settings file (optional)")
	workers := flag.Int("fanout-workers", 0, "Broadcast pool size (0 = GOMAXPROCS)")
	flag.Parse()

	logger := log.New(os.Stdout, relayLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
	observability.SetLogger(observability.NewStdLogger())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	_, telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  cfg.Telemetry.ServiceName,
	})
	if err != nil {
		logger.Fatalf("initialise telemetry: %v", err)
	}

	var opts []wsbridge.ServerOption
	if *workers > 0 {
		opts = append(opts, wsbridge.WithFanoutWorkers(*workers))
	}
	hub := wsbridge.NewServer(opts...)

	mux := http.NewServeMux()
	mux.Handle("/bridge", hub)
	server := &http.Server{ //nolint:exhaustruct
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ListenAndServe()
	}()
	logger.Printf("relay listening on %s", *addr)

	select {
	case <-ctx.Done():
		logger.Print("shutdown signal received")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("relay server: %v", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("shutdown: server: %v", err)
	}
	hub.Close()

	telemetryCtx, telemetryCancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer telemetryCancel()
	if err := telemetryShutdown(telemetryCtx); err != nil {
		logger.Printf("shutdown: telemetry: %v", err)
	}
	logger.Print("shutdown completed")
}
