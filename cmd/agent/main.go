// Command agent dials a broker, carries requests over the tunnel to real
// origin servers, and reconnects whenever the tunnel socket is lost.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaytun/revtunnel/internal/agent"
	"github.com/relaytun/revtunnel/internal/config"
	"github.com/relaytun/revtunnel/internal/logging"
)

func main() {
	configPath := flag.String("config", "agent.yaml", "path to the agent's YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent: config load failed: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Agent.Debug)

	if err := run(cfg, logger); err != nil {
		logger.Errorf("%v", err)
		os.Exit(2)
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rules, err := agent.CompileRewriteRules(cfg.Agent.Proxy.RewriteRules)
	if err != nil {
		return fmt.Errorf("rewrite rules: %w", err)
	}

	tlsConfig, err := dialTLSConfig(cfg.Agent.Server.SSL)
	if err != nil {
		return fmt.Errorf("dial TLS config: %w", err)
	}

	upstreamTimeout := time.Duration(cfg.Agent.Proxy.UpstreamTimeoutMS) * time.Millisecond
	if upstreamTimeout <= 0 {
		upstreamTimeout = 30 * time.Second
	}

	tun := &agent.Tunnel{
		Addr:          net.JoinHostPort(cfg.Agent.Server.Host, cfg.Agent.Server.Port),
		TLSConfig:     tlsConfig,
		ReconnectWait: time.Duration(cfg.Agent.ReconnectionDelayMS) * time.Millisecond,
		Labels:        cfg.Agent.Labels,
		DefaultTarget: cfg.Agent.Proxy.DefaultTarget,
		Rewrites:      rules,
		Upstream:      agent.NewUpstream(cfg.Agent.SSLRejectUnauthorizedOrDefault(), upstreamTimeout),
		Logger:        logger,
	}

	logger.Infof("agent: dialing %s, default target %s", tun.Addr, tun.DefaultTarget)
	tun.Run(ctx)
	logger.Infof("agent: shut down")
	return nil
}

// dialTLSConfig builds the *tls.Config the agent uses to dial the broker.
// Loading the CA file is the external key-store collaborator the
// specification places out of scope; this is the thin seam where it's
// invoked when a CA path is configured.
func dialTLSConfig(ssl config.SSLConfig) (*tls.Config, error) {
	if !ssl.Enabled {
		return nil, nil
	}
	cfg := &tls.Config{InsecureSkipVerify: !ssl.RejectUnauthorizedOrDefault()}
	if ssl.CA != "" {
		pem, err := os.ReadFile(ssl.CA)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", ssl.CA)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
