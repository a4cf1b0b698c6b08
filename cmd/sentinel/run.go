package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Alias1177/Sentinel/config"
	"github.com/Alias1177/Sentinel/internal/alerting"
	"github.com/Alias1177/Sentinel/internal/database"
	"github.com/Alias1177/Sentinel/internal/monitor"
	"github.com/Alias1177/Sentinel/internal/replay"
	"github.com/Alias1177/Sentinel/internal/telemetry"
	"github.com/Alias1177/Sentinel/models"
)

var (
	runInput         string
	runAction        string
	runFeedMismatch  float64
	runMetricsAddr   string
	runLingerMetrics time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Replay a tick file through the monitor",
	Long: `Replay a CSV tick file (timestamp,instrument,price[,action][,label]) through the
monitor. Every enriched tick is written to stdout as a JSON line, followed by
the final stability report. Labels are ignored.

Example usage:
  sentinel run --input ticks.csv
  sentinel run --input ticks.csv --metrics-addr :9100 --feed-mismatch 0.02`,
	RunE: runMonitor,
}

func init() {
	runCmd.Flags().StringVar(&runInput, "input", "", "CSV tick file (- for stdin)")
	runCmd.Flags().StringVar(&runAction, "action", string(models.ActionBuy), "Action proposed for rows without one")
	runCmd.Flags().Float64Var(&runFeedMismatch, "feed-mismatch", 0, "Feed mismatch rate reported by the cross-feed validator")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	runCmd.Flags().DurationVar(&runLingerMetrics, "linger", 0, "Keep serving metrics this long after the replay")
	_ = runCmd.MarkFlagRequired("input")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	if runMetricsAddr != "" {
		cfg.MetricsAddr = runMetricsAddr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	records, err := readRecords(runInput, models.Action(runAction).Normalize())
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(reg)
	opts := []monitor.Option{monitor.WithMetrics(metrics), monitor.WithFeedMismatchRate(runFeedMismatch)}

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(reg), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
		defer srv.Close()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("serving metrics")
	}

	if cfg.Database.DSN != "" {
		db, err := database.New(ctx, cfg.Database.DSN, cfg.Database.ConnectTimeout)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer db.Close()
		opts = append(opts, monitor.WithAudit(db))
		logger.Info().Msg("audit sink connected")
	}

	notifier, err := newNotifier(cfg, logger, metrics)
	if err != nil {
		return err
	}
	if notifier != nil {
		alertCtx, stopAlerts := context.WithCancel(context.Background())
		alertsDone := make(chan struct{})
		go func() {
			notifier.Run(alertCtx)
			close(alertsDone)
		}()
		// flush pending alerts before exiting
		defer func() {
			stopAlerts()
			<-alertsDone
		}()
		opts = append(opts, monitor.WithAlerter(notifier))
	}

	mon, err := monitor.New(*cfg, logger, opts...)
	if err != nil {
		return err
	}
	logger.Info().Str("session", mon.SessionID()).Int("ticks", len(records)).Msg("replay started")

	in := make(chan monitor.Observation)
	out := make(chan models.EnrichedTick, 64)
	go replay.Stream(ctx, records, in)

	written := make(chan error, 1)
	go func() {
		encoder := json.NewEncoder(cmd.OutOrStdout())
		var werr error
		for et := range out {
			if werr == nil {
				werr = encoder.Encode(et)
			}
		}
		written <- werr
	}()

	report, err := mon.Run(ctx, in, out)
	close(out)
	if werr := <-written; werr != nil {
		return fmt.Errorf("writing enriched ticks: %w", werr)
	}
	if err != nil {
		return err
	}

	logger.Info().
		Float64("msi", report.MSIScore).
		Str("state", string(report.MarketState)).
		Str("risk", string(report.RiskLevel)).
		Msg("replay finished")

	if runLingerMetrics > 0 && cfg.MetricsAddr != "" {
		select {
		case <-time.After(runLingerMetrics):
		case <-ctx.Done():
		}
	}
	return writeJSON(cmd.OutOrStdout(), report)
}

func newNotifier(cfg *config.Config, logger zerolog.Logger, metrics *telemetry.Metrics) (*alerting.Notifier, error) {
	if cfg.Telegram.BotToken == "" {
		return nil, nil
	}
	bot, err := alerting.NewBot(cfg.Telegram)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("username", bot.Self.UserName).Msg("Authorized on Telegram")
	return alerting.NewNotifier(bot, cfg.Telegram.ChatID, cfg.Telegram.MaxAlertsPerMinute, logger, metrics), nil
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler(reg))
	return mux
}

func readRecords(path string, defaultAction models.Action) ([]replay.Record, error) {
	if strings.TrimSpace(path) == "-" {
		return replay.NewReader(os.Stdin, defaultAction).ReadAll()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	defer f.Close()
	return replay.NewReader(f, defaultAction).ReadAll()
}
