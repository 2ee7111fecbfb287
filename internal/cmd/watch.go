package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jenilv-icpl/slips-sdk/internal/aggregator"
	"github.com/jenilv-icpl/slips-sdk/internal/hub"
	"github.com/jenilv-icpl/slips-sdk/internal/model"
	"github.com/jenilv-icpl/slips-sdk/internal/monitor"
	"github.com/jenilv-icpl/slips-sdk/internal/output"
)

var watchCmd = &cobra.Command{
	Use:   "watch [path]",
	Short: "Follow an alert file and print new records",
	Long: `Wait for the alert file to exist, then print every new record that passes
the Status filter. In tail mode only appended lines are processed; in
snapshot mode the file is re-read on every change and one line is selected.

Examples:
  slips-monitor watch output/alerts.json
  slips-monitor watch output/alerts.json --from-start --output json
  slips-monitor watch output/incidents.json --mode snapshot --select second-to-last`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

var backfillCmd = &cobra.Command{
	Use:   "backfill [path]",
	Short: "Print every record already in the alert file and exit",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBackfill,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(backfillCmd)
}

// pipeline renders each alert synchronously and publishes it to the hub,
// whose subscriber keeps the run statistics.
type pipeline struct {
	renderer   output.Renderer
	hub        *hub.Hub
	aggregator *aggregator.Aggregator
	aggDone    chan struct{}
}

func newPipeline(s settings) (*pipeline, error) {
	renderer, err := output.New(s.Output, os.Stdout, s.Pretty)
	if err != nil {
		return nil, err
	}

	h := hub.New()
	agg := aggregator.New(h.Subscribe(), h.Dropped)

	p := &pipeline{renderer: renderer, hub: h, aggregator: agg, aggDone: make(chan struct{})}
	go func() {
		defer close(p.aggDone)
		agg.Start(context.Background())
	}()
	return p, nil
}

// handler renders in the monitor's goroutine, so a slow terminal slows
// the monitor instead of losing output.
func (p *pipeline) handler() monitor.Handler {
	return func(alert model.Alert) {
		if err := p.renderer.Render(alert); err != nil {
			log.Error().Err(err).Msg("Render error")
		}
		p.hub.Publish(alert)
	}
}

// close stops the stats consumer and logs the summary.
func (p *pipeline) close() {
	p.hub.Close()
	<-p.aggDone
	stats := p.aggregator.Snapshot()

	log.Info().
		Int64("alerts", stats.TotalAlerts).
		Int("unique_correl_ids", stats.UniqueCorrelIDs).
		Int64("dropped", stats.DroppedAlerts).
		Str("uptime", stats.Uptime).
		Msg("Summary")
}

type stopper interface {
	Stop() error
}

// stopMonitor stops m and logs what Stop reports.
func stopMonitor(m stopper) {
	if err := m.Stop(); err != nil {
		log.Warn().Err(err).Msg("Stop reported errors")
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runWatch(cmd *cobra.Command, args []string) error {
	s, err := loadSettings(viper.GetViper(), args)
	if err != nil {
		return err
	}
	setupLogging(s.LogLevel)

	p, err := newPipeline(s)
	if err != nil {
		return err
	}
	defer p.close()

	m, err := monitor.New(s.Monitor, p.handler())
	if err != nil {
		return err
	}
	defer stopMonitor(m)

	ctx, stop := signalContext()
	defer stop()

	if err := m.Start(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("start monitor: %w", err)
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	return nil
}

func runBackfill(cmd *cobra.Command, args []string) error {
	s, err := loadSettings(viper.GetViper(), args)
	if err != nil {
		return err
	}
	setupLogging(s.LogLevel)

	p, err := newPipeline(s)
	if err != nil {
		return err
	}
	defer p.close()

	m, err := monitor.New(s.Monitor, p.handler())
	if err != nil {
		return err
	}
	defer stopMonitor(m)

	ctx, stop := signalContext()
	defer stop()

	if err := m.ReadAllExisting(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("backfill: %w", err)
	}
	return nil
}
