package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/httpseal/alfseal/internal/config"
	"github.com/httpseal/alfseal/pkg/cert"
	"github.com/httpseal/alfseal/pkg/collector"
	"github.com/httpseal/alfseal/pkg/dns"
	"github.com/httpseal/alfseal/pkg/metrics"
)

var (
	serveListen      string
	serveDNSAddr     string
	serveCORSOrigins []string
	serveKeep        int
	serveTLS         bool
	serveCADir       string
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a local collector (and optionally a DNS client IP echo)",
		Long: `serve accepts envelopes on POST / and logs every entry it receives.
With --dns-addr it also answers A queries with the querying client's address,
so --ip-lookup dns can be pointed at it in offline setups.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().StringVar(&serveListen, "listen", "127.0.0.1:8085", "Collector listen address")
	cmd.Flags().StringVar(&serveDNSAddr, "dns-addr", "", "Run the DNS client IP echo on this UDP address")
	cmd.Flags().StringSliceVar(&serveCORSOrigins, "cors-origin", nil, "Allow browser agents on this origin (can be repeated)")
	cmd.Flags().IntVar(&serveKeep, "keep", 100, "Envelopes retained for GET /envelopes")
	cmd.Flags().BoolVar(&serveTLS, "tls", false, "Serve HTTPS with certificates from a local CA")
	cmd.Flags().StringVar(&serveCADir, "ca-dir", filepath.Join(config.GetConfigDir(), "ca"), "Local CA directory, created if missing")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg)
	reg := newRegistry()
	stopMetrics := startMetrics(cfg.MetricsAddr, reg, log)
	defer stopMetrics()

	collectorCfg := collector.Config{
		CORSOrigins: serveCORSOrigins,
		Keep:        serveKeep,
	}
	if serveTLS {
		ca, err := cert.Load(serveCADir, log)
		if err != nil {
			return fmt.Errorf("failed to initialize CA: %w", err)
		}
		host, _, err := net.SplitHostPort(serveListen)
		if err != nil {
			return fmt.Errorf("invalid listen address %q: %w", serveListen, err)
		}
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "localhost"
		}
		collectorCfg.TLS = ca.TLSConfig(host)
		log.Info("Agents must trust the collector CA", "collector_ca", ca.CertPath())
	}

	c := collector.New(collectorCfg, log, metrics.New(reg))
	if err := c.Start(serveListen); err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Shutdown(ctx); err != nil {
			log.Warn("Collector shutdown incomplete", "error", err)
		}
	}()

	if serveDNSAddr != "" {
		dnsServer := dns.NewServer(serveDNSAddr, log)
		if err := dnsServer.Start(); err != nil {
			return fmt.Errorf("failed to start DNS echo: %w", err)
		}
		defer dnsServer.Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	log.Info("Shutting down")
	return nil
}
