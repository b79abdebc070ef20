package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/httpseal/alfseal/internal/config"
	"github.com/httpseal/alfseal/pkg/agent"
	"github.com/httpseal/alfseal/pkg/logger"
)

var (
	// Collector settings
	serviceToken  string
	configPath    string
	analyticsHost string
	debugMode     bool
	collectorCA   string

	// Entry metadata
	httpVersion string
	fallbackIP  string

	// Client address discovery
	fetchClientIP bool
	ipLookup      string

	// Ambient
	logLevel    string
	logFormat   string
	metricsAddr string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "alfseal",
		Short: "alfseal - HTTP traffic analytics agent",
		Long: `alfseal records outbound HTTP exchanges as HAR entries and ships each
one, wrapped with a service token, to an analytics collector.

Examples:
  # Fetch URLs through an instrumented client
  alfseal fetch --token $TOKEN https://api.github.com/users/octocat

  # Show what would be sent without contacting the collector
  alfseal fetch --token $TOKEN --debug https://httpbin.org/get

  # Run a local collector and send to it
  alfseal serve --listen 127.0.0.1:8085
  alfseal fetch --token dev --analytics-host http://127.0.0.1:8085/ https://httpbin.org/get`,
		Version:       agent.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	def := config.Default()
	flags := rootCmd.PersistentFlags()

	flags.StringVar(&serviceToken, "token", "", "Service token identifying the account (or service_token in the config file)")
	flags.StringVar(&configPath, "config", "", "Configuration file (default: "+config.GetDefaultConfigPath()+")")
	flags.StringVar(&analyticsHost, "analytics-host", def.AnalyticsHost, "Collector URL envelopes are posted to")
	flags.BoolVar(&debugMode, "debug", false, "Print envelopes instead of sending them")
	flags.StringVar(&collectorCA, "collector-ca", "", "PEM CA certificate to trust for an HTTPS collector")

	flags.StringVar(&httpVersion, "http-version", def.HTTPVersion, "HTTP version reported in entries")
	flags.StringVar(&fallbackIP, "fallback-ip", def.FallbackIP, "Address reported before the client IP is known")

	flags.BoolVar(&fetchClientIP, "fetch-client-ip", def.FetchClientIP, "Look up the public client IP once at startup")
	flags.StringVar(&ipLookup, "ip-lookup", string(def.IPLookup), "Client IP lookup: http, dns")

	flags.StringVar(&logLevel, "log-level", def.LogLevel, "Log level: debug, info, warn, error")
	flags.StringVar(&logFormat, "log-format", def.LogFormat, "Log format: text, json")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "Expose Prometheus metrics on this address (e.g. :2112)")

	rootCmd.AddCommand(newFetchCmd(), newServeCmd())
	return rootCmd
}

// loadConfig builds the effective configuration from flags and the config file
func loadConfig() (config.Config, error) {
	if err := validateFlags(); err != nil {
		return config.Config{}, err
	}

	cfg := config.Default()
	cfg.ServiceToken = serviceToken
	cfg.AnalyticsHost = analyticsHost
	cfg.Debug = debugMode
	cfg.CollectorCA = collectorCA
	cfg.HTTPVersion = httpVersion
	cfg.FallbackIP = fallbackIP
	cfg.FetchClientIP = fetchClientIP
	cfg.IPLookup = config.IPLookup(ipLookup)
	cfg.LogLevel = logLevel
	cfg.LogFormat = logFormat
	cfg.MetricsAddr = metricsAddr

	path := configPath
	if path == "" {
		path = config.GetDefaultConfigPath()
	} else if _, err := os.Stat(path); err != nil {
		return config.Config{}, fmt.Errorf("config file: %w", err)
	}

	fileConfig, err := config.LoadConfigFile(path)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.MergeWithFileConfig(fileConfig); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// validateFlags validates command line flags
func validateFlags() error {
	validLookups := []string{string(config.IPLookupHTTP), string(config.IPLookupDNS)}
	if !contains(validLookups, ipLookup) {
		return fmt.Errorf("invalid ip lookup '%s', must be one of: %s", ipLookup, strings.Join(validLookups, ", "))
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, strings.ToLower(logLevel)) {
		return fmt.Errorf("invalid log level '%s', must be one of: %s", logLevel, strings.Join(validLevels, ", "))
	}

	validFormats := []string{string(logger.FormatText), string(logger.FormatJSON)}
	if !contains(validFormats, strings.ToLower(logFormat)) {
		return fmt.Errorf("invalid log format '%s', must be one of: %s", logFormat, strings.Join(validFormats, ", "))
	}
	return nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func newLogger(cfg config.Config) *slog.Logger {
	return logger.New(logger.Config{
		Level:  logger.ParseLevel(cfg.LogLevel),
		Format: logger.ParseFormat(cfg.LogFormat),
	})
}

// newRegistry returns a registry with the process collectors installed
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// startMetrics serves reg on addr until the returned stop function is called.
// An empty addr disables the endpoint.
func startMetrics(addr string, reg *prometheus.Registry, log *slog.Logger) func() {
	if addr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics endpoint stopped", "addr", addr, "error", err)
		}
	}()
	log.Info("Metrics endpoint started", "addr", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}
