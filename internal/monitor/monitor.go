package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jenilv-icpl/slips-sdk/internal/model"
	"github.com/jenilv-icpl/slips-sdk/internal/normalizer"
	"github.com/jenilv-icpl/slips-sdk/internal/tailer"
	"github.com/jenilv-icpl/slips-sdk/internal/watcher"
)

const (
	defaultPollInterval       = 500 * time.Millisecond
	defaultCheckpointInterval = 5 * time.Second
	waitReportInterval        = 10 * time.Second
)

var (
	// ErrStopped is returned by Start and ReadAllExisting once Stop was called.
	ErrStopped = errors.New("monitor stopped")
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("monitor already started")
	// ErrWaitTimeout is returned when the file did not appear within MaxWait.
	ErrWaitTimeout = errors.New("timed out waiting for file")
)

// Handler receives each normalized alert. Calls for one Monitor never
// overlap. A Handler must not call Stop on its own Monitor.
type Handler func(alert model.Alert)

// RecordNormalizer turns one line into an alert.
type RecordNormalizer interface {
	Normalize(raw string) (model.Alert, error)
}

// Config describes what to watch and how to read it.
type Config struct {
	Path      string
	Mode      tailer.Mode
	Selection tailer.Selection // snapshot mode only

	// FromStart processes the existing content on Start in tail mode
	// instead of skipping to the end.
	FromStart bool

	FilterStatus   bool
	ExpectedStatus string

	// PollInterval is the file-existence check interval during Start.
	PollInterval time.Duration
	// MaxWait caps the wait for the file. Zero waits until Stop.
	MaxWait time.Duration

	// CheckpointPath persists the tail cursor across restarts when set.
	CheckpointPath string
	// CheckpointInterval is how often the checkpoint is flushed while
	// running. Stop always flushes.
	CheckpointInterval time.Duration
}

// DefaultConfig tails path from its end and passes only incidents.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		Mode:           tailer.ModeTail,
		Selection:      tailer.SelectSecondToLast,
		FilterStatus:   true,
		ExpectedStatus: model.StatusIncident,
		PollInterval:   defaultPollInterval,

		CheckpointInterval: defaultCheckpointInterval,
	}
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger. The default is the global zerolog logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Monitor) { m.logger = logger }
}

// WithRegisterer registers the monitor's metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Monitor) { m.registerer = reg }
}

// WithNormalizer replaces the default normalizer built from Config.
func WithNormalizer(n RecordNormalizer) Option {
	return func(m *Monitor) { m.norm = n }
}

// Monitor follows one alert file and hands each new record to a Handler.
type Monitor struct {
	cfg        Config
	target     string
	id         string
	handler    Handler
	norm       RecordNormalizer
	logger     zerolog.Logger
	registerer prometheus.Registerer
	metrics    *Metrics

	// mu serializes read passes. It guards reader and ckpt.
	mu     sync.Mutex
	reader tailer.LineReader
	ckpt   *tailer.Checkpoint

	stateMu sync.Mutex
	started bool
	running bool
	watcher *watcher.Watcher
	cancel  context.CancelFunc
	wg      *sync.WaitGroup

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New validates cfg and resolves the watch target. Nothing is opened
// until Start or ReadAllExisting.
func New(cfg Config, handler Handler, opts ...Option) (*Monitor, error) {
	if cfg.Path == "" {
		return nil, errors.New("monitor: path is required")
	}
	if handler == nil {
		return nil, errors.New("monitor: handler is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = defaultCheckpointInterval
	}
	if cfg.MaxWait < 0 {
		return nil, fmt.Errorf("monitor: negative max wait %s", cfg.MaxWait)
	}
	if cfg.Mode != tailer.ModeTail && cfg.Mode != tailer.ModeSnapshot {
		return nil, fmt.Errorf("monitor: unsupported mode %v", cfg.Mode)
	}

	target, err := watcher.Canonical(cfg.Path)
	if err != nil {
		return nil, err
	}

	m := &Monitor{
		cfg:     cfg,
		target:  target,
		id:      uuid.NewString(),
		handler: handler,
		logger:  log.Logger,
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.logger = m.logger.With().
		Str("component", "monitor").
		Str("monitor_id", m.id).
		Str("target", target).
		Logger()
	m.metrics = NewMetrics(m.registerer, target)

	if m.norm == nil {
		m.norm = normalizer.NewWithLogger(normalizer.Options{
			FilterStatus:   cfg.FilterStatus,
			ExpectedStatus: cfg.ExpectedStatus,
			OnNoteError:    func(error) { m.metrics.NoteDecodeErrors.Inc() },
		}, m.logger)
	}

	return m, nil
}

// Target returns the canonical path being watched.
func (m *Monitor) Target() string { return m.target }

// ID returns the instance id used in log fields.
func (m *Monitor) ID() string { return m.id }

// Metrics returns the monitor's collectors.
func (m *Monitor) Metrics() *Metrics { return m.metrics }

// IsRunning reports whether the watcher is installed.
func (m *Monitor) IsRunning() bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.running
}

// Start waits for the file to exist, performs the initial read for the
// configured mode and installs the watcher. It returns once the watcher
// runs; events are then handled on the watcher's goroutine. ctx bounds the
// wait only. Subscription failures are returned. When the wait fails on
// ctx or MaxWait, Start may be called again.
func (m *Monitor) Start(ctx context.Context) error {
	m.stateMu.Lock()
	switch {
	case m.isStopped():
		m.stateMu.Unlock()
		return ErrStopped
	case m.started:
		m.stateMu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.stateMu.Unlock()

	if err := m.waitForFile(ctx); err != nil {
		if !errors.Is(err, ErrStopped) {
			m.stateMu.Lock()
			m.started = false
			m.stateMu.Unlock()
		}
		return err
	}

	if err := m.prime(); err != nil {
		return err
	}

	w, err := watcher.NewWithLogger(m.target, m.logger)
	if err != nil {
		m.closeReader()
		return fmt.Errorf("subscribe to changes: %w", err)
	}

	m.stateMu.Lock()
	if m.isStopped() {
		m.stateMu.Unlock()
		_ = w.Close()
		m.closeReader()
		return ErrStopped
	}
	watchCtx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	m.watcher = w
	m.cancel = cancel
	m.wg = wg
	m.running = true
	m.stateMu.Unlock()

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.Start(watchCtx, func(string) { m.process() })
	}()
	if m.hasCheckpoint() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.flushCheckpoints(watchCtx)
		}()
	}

	m.logger.Info().
		Str("mode", m.cfg.Mode.String()).
		Bool("from_start", m.cfg.FromStart).
		Msg("Monitoring started")
	return nil
}

// Stop halts the watcher, waits for an in-flight pass to finish and
// releases the file handle. It is safe to call at any time, any number of
// times, including while Start is still waiting for the file.
func (m *Monitor) Stop() error {
	m.stopOnce.Do(func() { close(m.stopCh) })

	m.stateMu.Lock()
	w, cancel, wg := m.watcher, m.cancel, m.wg
	wasRunning := m.running
	m.watcher, m.cancel, m.wg = nil, nil, nil
	m.running = false
	m.stateMu.Unlock()

	var errs []error
	if w != nil {
		cancel()
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close watcher: %w", err))
		}
		wg.Wait()
	}

	if err := m.closeReader(); err != nil {
		errs = append(errs, err)
	}

	if wasRunning {
		m.logger.Info().Msg("Monitoring stopped")
	}
	return errors.Join(errs...)
}

// ReadAllExisting waits for the file, then normalizes and dispatches every
// line currently in it. No watcher is installed and the cursor is untouched.
func (m *Monitor) ReadAllExisting(ctx context.Context) error {
	if m.isStopped() {
		return ErrStopped
	}
	if err := m.waitForFile(ctx); err != nil {
		return err
	}

	lines, err := tailer.ReadAll(m.target)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatch(lines)
	return nil
}

// Process runs one read pass as if a change notification had arrived.
func (m *Monitor) Process() {
	m.process()
}

func (m *Monitor) isStopped() bool {
	select {
	case <-m.stopCh:
		return true
	default:
		return false
	}
}

// waitForFile polls until the target is a regular file.
func (m *Monitor) waitForFile(ctx context.Context) error {
	if fileExists(m.target) {
		return nil
	}

	m.logger.Info().Dur("poll_interval", m.cfg.PollInterval).Msg("Waiting for alert file")

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if m.cfg.MaxWait > 0 {
		timer := time.NewTimer(m.cfg.MaxWait)
		defer timer.Stop()
		deadline = timer.C
	}

	started := time.Now()
	lastReport := started
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stopCh:
			return ErrStopped
		case <-deadline:
			return fmt.Errorf("%w: %s after %s", ErrWaitTimeout, m.target, m.cfg.MaxWait)
		case now := <-ticker.C:
			if fileExists(m.target) {
				m.logger.Info().Dur("waited", time.Since(started)).Msg("Alert file found")
				return nil
			}
			if now.Sub(lastReport) >= waitReportInterval {
				lastReport = now
				m.logger.Info().Dur("waited", now.Sub(started)).Msg("Still waiting for alert file")
			}
		}
	}
}

// prime opens the reader and processes the initial content.
func (m *Monitor) prime() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isStopped() {
		return ErrStopped
	}

	if m.cfg.Mode == tailer.ModeTail && m.cfg.CheckpointPath != "" {
		ckpt, err := tailer.OpenCheckpoint(m.cfg.CheckpointPath)
		if err != nil {
			return err
		}
		m.ckpt = ckpt
	}

	reader, err := tailer.NewReader(m.target, tailer.Options{
		Mode:       m.cfg.Mode,
		Selection:  m.cfg.Selection,
		Checkpoint: m.ckpt,
		Logger:     m.logger,
	})
	if err != nil {
		m.closeLocked()
		return err
	}
	m.reader = reader

	lines, err := reader.Prime(m.cfg.FromStart)
	if err != nil {
		m.closeLocked()
		return err
	}
	m.dispatch(lines)
	return nil
}

func (m *Monitor) hasCheckpoint() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ckpt != nil
}

// flushCheckpoints saves the checkpoint every CheckpointInterval until ctx
// is cancelled.
func (m *Monitor) flushCheckpoints(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.saveCheckpoint()
		}
	}
}

func (m *Monitor) saveCheckpoint() {
	m.mu.Lock()
	ckpt := m.ckpt
	m.mu.Unlock()
	if ckpt == nil {
		return
	}
	if err := ckpt.Save(); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to save checkpoint")
	}
}

// process is the exclusive entry point for one change notification.
func (m *Monitor) process() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.reader == nil {
		return
	}

	start := time.Now()
	defer func() {
		m.metrics.Passes.Inc()
		m.metrics.PassDuration.Observe(time.Since(start).Seconds())
	}()

	lines, err := m.reader.Next()
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to read new lines")
		return
	}
	m.dispatch(lines)
}

// dispatch normalizes each line and calls the handler. Caller holds mu.
func (m *Monitor) dispatch(lines []model.RawLine) {
	for _, line := range lines {
		m.handle(line)
	}
}

func (m *Monitor) handle(line model.RawLine) {
	defer func() {
		if r := recover(); r != nil {
			m.metrics.RecordsDropped.WithLabelValues(reasonPanic).Inc()
			m.logger.Error().Interface("panic", r).Int64("offset", line.Offset).Msg("Recovered panic while handling record")
		}
	}()

	m.metrics.LinesRead.Inc()

	alert, err := m.norm.Normalize(line.Text)
	switch {
	case errors.Is(err, normalizer.ErrStatusMismatch):
		m.metrics.RecordsDropped.WithLabelValues(reasonStatus).Inc()
		m.logger.Debug().Err(err).Int64("offset", line.Offset).Msg("Ignoring non-incident record")
		return
	case errors.Is(err, normalizer.ErrDecode):
		m.metrics.RecordsDropped.WithLabelValues(reasonDecode).Inc()
		m.logger.Warn().Err(err).Int64("offset", line.Offset).Msg("JSON decode error, line skipped")
		return
	case err != nil:
		m.metrics.RecordsDropped.WithLabelValues(reasonOther).Inc()
		m.logger.Error().Err(err).Int64("offset", line.Offset).Msg("Unexpected error, line skipped")
		return
	}

	m.handler(alert)
	m.metrics.AlertsEmitted.Inc()
}

// closeReader releases the reader and checkpoint.
func (m *Monitor) closeReader() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked()
}

func (m *Monitor) closeLocked() error {
	var errs []error
	if m.reader != nil {
		if err := m.reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close reader: %w", err))
		}
		m.reader = nil
	}
	if m.ckpt != nil {
		if err := m.ckpt.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close checkpoint: %w", err))
		}
		m.ckpt = nil
	}
	return errors.Join(errs...)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
