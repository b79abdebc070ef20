package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/httpseal/alfseal/pkg/agent"
	"github.com/httpseal/alfseal/pkg/interceptor"
)

var (
	fetchConcurrency int
	fetchTimeout     time.Duration
	fetchData        map[string]string
)

func newFetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch [flags] <url>...",
		Short: "GET URLs through an instrumented client",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runFetch,
	}

	cmd.Flags().IntVarP(&fetchConcurrency, "concurrency", "c", 4, "Maximum requests in flight")
	cmd.Flags().DurationVar(&fetchTimeout, "timeout", 30*time.Second, "Timeout for each request")
	cmd.Flags().StringToStringVarP(&fetchData, "data", "d", nil, "Request data reported with every GET (key=value, can be repeated)")
	return cmd
}

type fetchResult struct {
	url    string
	status string
	err    error
}

func runFetch(cmd *cobra.Command, urls []string) error {
	if fetchConcurrency < 1 {
		return fmt.Errorf("concurrency must be >= 1")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg)
	reg := newRegistry()
	stopMetrics := startMetrics(cfg.MetricsAddr, reg, log)
	defer stopMetrics()

	a, err := agent.New(serviceToken, cfg, agent.WithLogger(log), agent.WithRegistry(reg))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := a.Client(&http.Client{Timeout: fetchTimeout})
	results := make([]fetchResult, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, url := range urls {
		g.Go(func() error {
			results[i] = fetch(gctx, client, url)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if r.err != nil {
			failed++
			fmt.Fprintf(cmd.OutOrStdout(), "error %s: %v\n", r.url, r.err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", r.status, r.url)
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.SendTimeout)
	defer cancel()
	if err := a.Close(closeCtx); err != nil {
		log.Warn("Envelopes still queued at exit", "error", err)
	}

	if cfg.Debug {
		if err := printInspected(cmd.OutOrStdout(), a); err != nil {
			return err
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d requests failed", failed, len(urls))
	}
	return nil
}

func fetch(ctx context.Context, client *http.Client, url string) fetchResult {
	if len(fetchData) > 0 {
		ctx = interceptor.WithData(ctx, fetchData)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fetchResult{url: url, err: err}
	}

	resp, err := client.Do(req)
	if err != nil {
		return fetchResult{url: url, err: err}
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fetchResult{url: url, err: fmt.Errorf("failed to read body: %w", err)}
	}
	return fetchResult{url: url, status: resp.Status}
}

// printInspected writes the collector requests held back in debug mode
func printInspected(w io.Writer, a *agent.Agent) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	for _, req := range a.Inspected() {
		if err := enc.Encode(req); err != nil {
			return fmt.Errorf("failed to print envelope: %w", err)
		}
	}
	return nil
}
