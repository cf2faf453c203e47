package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"github.com/roach88/ledgerline/internal/engine"
	"github.com/roach88/ledgerline/internal/ledger"
	"github.com/roach88/ledgerline/internal/metrics"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Channel     string
	MetricsAddr string
	For         time.Duration
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a channel live",
		Long: `Load a channel and keep its timeline current.

New transactions arrive from the configured NATS stream, or from polling
the local archive when no server is configured. The outbox and watched
balances are polled every poll_interval. The timeline is printed again
whenever it changes.

With --metrics-addr (or metrics.addr in the config file) Prometheus
metrics are served at /metrics.

Examples:
  ledgerline watch --channel general
  ledgerline watch --channel general --metrics-addr :9090
  ledgerline watch --channel general --for 30s --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Channel, "channel", "", "channel to follow (required)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().DurationVar(&opts.For, "for", 0, "stop after this long (default: until interrupted)")
	_ = cmd.MarkFlagRequired("channel")

	return cmd
}

func runWatch(opts *WatchOptions, cmd *cobra.Command) error {
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()
	if opts.For > 0 {
		ctx, cancel = context.WithTimeout(ctx, opts.For)
		defer cancel()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			opts.Logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			opts.Logger.Error("error closing store", "error", closeErr)
		}
	}()

	var window ledger.WindowSource = st
	feed, err := opts.connectFeed(ctx)
	if err != nil {
		return err
	}
	if feed != nil {
		defer func() { _ = feed.Close() }()
		window = ledger.Source{Fetcher: st, Subscriber: feed}
	}

	m := metrics.New()
	out := opts.formatter(cmd)
	printer := &snapshotPrinter{out: out, now: opts.Now, logger: opts.Logger}

	eng, err := opts.newEngine(opts.Channel, st, window,
		engine.WithMetrics(m),
		engine.WithOnPublish(printer.publish),
	)
	if err != nil {
		return err
	}
	defer eng.Close()

	if _, err := eng.Load(ctx); err != nil {
		return WrapExitError(ExitFailure, "failed to load timeline", err)
	}
	if err := eng.Subscribe(ctx); err != nil {
		return WrapExitError(ExitFailure, "failed to subscribe", err)
	}

	var wg conc.WaitGroup
	defer wg.Wait()
	defer cancel()

	addr := opts.MetricsAddr
	if addr == "" {
		addr = opts.Config.MetricsAddr
	}
	if addr != "" {
		srv := newMetricsServer(addr, m)
		wg.Go(func() { serveMetrics(ctx, opts, srv) })
	}

	if interval := opts.Config.PollInterval; interval > 0 {
		wg.Go(func() { pollPending(ctx, eng, interval) })
	}

	opts.Logger.Info("watching channel", "channel", opts.Channel, "live", feed != nil, "metrics", addr)
	if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "engine error", err)
	}

	opts.Logger.Info("watch stopped", "channel", opts.Channel, "version", eng.Snapshot().Version)
	return nil
}

// snapshotPrinter prints a snapshot whenever its fingerprint changes.
type snapshotPrinter struct {
	out    *OutputFormatter
	now    func() time.Time
	logger *slog.Logger
	last   string
}

func (p *snapshotPrinter) publish(snap *engine.Snapshot) {
	fp, err := snap.Fingerprint()
	if err != nil {
		p.logger.Warn("fingerprint failed", "error", err)
	}
	if err == nil && fp == p.last {
		return
	}
	p.last = fp

	err = p.out.Render(newTimelineView(snap), func(w io.Writer) error {
		if snap.Version > 1 {
			if _, err := fmt.Fprintln(w); err != nil {
				return err
			}
		}
		return renderTimeline(w, snap, p.now())
	})
	if err != nil {
		p.logger.Warn("render failed", "error", err)
	}
}

func newMetricsServer(addr string, m *metrics.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// serveMetrics runs srv until ctx is done.
func serveMetrics(ctx context.Context, opts *WatchOptions, srv *http.Server) {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	opts.Logger.Info("serving metrics", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		opts.Logger.Error("metrics server failed", "addr", srv.Addr, "error", err)
	}
}

// pollPending queues an outbox refresh every interval.
func pollPending(ctx context.Context, eng *engine.Engine, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !eng.NotifyPending() {
				return
			}
		}
	}
}
