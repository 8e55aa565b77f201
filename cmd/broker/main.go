// Command broker runs the publicly reachable side of the tunnel: an
// HTTP(S) listener for callers and a framed-socket listener for agents.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaytun/revtunnel/internal/broker"
	"github.com/relaytun/revtunnel/internal/config"
	"github.com/relaytun/revtunnel/internal/logging"
)

func main() {
	configPath := flag.String("config", "broker.yaml", "path to the broker's YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "broker: config load failed: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Broker.Debug)

	if err := run(cfg, logger); err != nil {
		logger.Errorf("%v", err)
		os.Exit(2)
	}
}

// run wires the registry, tracker, tunnel service, and HTTP front-end
// together and blocks until ctx is cancelled by an OS signal or either
// listener fails to bind.
func run(cfg *config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// registry and tracker each need a callback into the other
	// (disconnect must fail pending requests; resolution must free the
	// agent's in-flight slot), so tracker is forward-declared and
	// captured by the registry's onDisconnect closure.
	var tracker *broker.Tracker
	registry := broker.NewRegistry(func(agentID string) { tracker.FailByAgent(agentID) })
	tracker = broker.NewTracker(time.Duration(cfg.Broker.RequestTimeoutMS)*time.Millisecond, registry.DecInFlight)

	socketTLS, err := loadServerTLS(cfg.Broker.Socket.SSL)
	if err != nil {
		return fmt.Errorf("socket TLS config: %w", err)
	}
	httpTLS, err := loadServerTLS(cfg.Broker.HTTP.SSL)
	if err != nil {
		return fmt.Errorf("http TLS config: %w", err)
	}

	svc := &broker.Service{
		Registry:      registry,
		Tracker:       tracker,
		Logger:        logger,
		MaxFrameBytes: uint32(cfg.Broker.MaxFrameBytes),
		TLSConfig:     socketTLS,
	}

	front := &broker.Frontend{
		Registry:            registry,
		Tracker:             tracker,
		Logger:              logger,
		RequestTimeout:      time.Duration(cfg.Broker.RequestTimeoutMS) * time.Millisecond,
		MaxFrameBytes:       uint32(cfg.Broker.MaxFrameBytes),
		MaxInFlightPerAgent: cfg.Broker.MaxInFlightPerAgent,
		StatsPath:           cfg.Broker.StatsPath,
	}

	socketAddr := net.JoinHostPort(cfg.Broker.Socket.Host, cfg.Broker.Socket.Port)
	httpAddr := net.JoinHostPort(cfg.Broker.HTTP.Host, cfg.Broker.HTTP.Port)

	errCh := make(chan error, 2)

	go func() {
		errCh <- svc.Start(ctx, socketAddr)
	}()

	httpServer := &http.Server{Addr: httpAddr, Handler: front}
	if httpTLS != nil {
		httpServer.TLSConfig = httpTLS
	}

	go func() {
		var err error
		if httpTLS != nil {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if err == http.ErrServerClosed {
			err = nil
		}
		errCh <- err
	}()

	logger.Infof("broker: http on %s, tunnel on %s", httpAddr, socketAddr)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Infof("broker: shutting down")
	case err := <-errCh:
		runErr = err
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	return runErr
}

// loadServerTLS builds a *tls.Config from a configured key/cert pair, or
// returns nil if TLS is disabled. Loading the key material is the external
// collaborator the specification places out of scope for the tunnel's
// core logic; this is the thin seam where that collaborator is invoked.
func loadServerTLS(ssl config.SSLConfig) (*tls.Config, error) {
	if !ssl.Enabled {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(ssl.Cert, ssl.Key)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}
