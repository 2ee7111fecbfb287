package aggregator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jenilv-icpl/slips-sdk/internal/model"
)

const rateWindow = 5 * time.Second

// Stats holds a point-in-time snapshot of aggregated alert metrics.
type Stats struct {
	Uptime          string           `json:"uptime"`
	TotalAlerts     int64            `json:"total_alerts"`
	AlertsPerSecond float64          `json:"alerts_per_second"`
	AnalyzerCounts  map[string]int64 `json:"analyzer_counts"`
	UniqueCorrelIDs int              `json:"unique_correl_ids"`
	DroppedAlerts   int64            `json:"dropped_alerts"`
}

// Aggregator consumes alerts from a hub subscription and keeps counters.
type Aggregator struct {
	mu             sync.RWMutex
	startTime      time.Time
	totalAlerts    int64
	analyzerCounts map[string]int64
	correlIDs      map[string]struct{}
	window         []time.Time // arrival times within rateWindow
	dropped        func() int64
	alerts         <-chan model.Alert
}

// New creates an Aggregator reading from alerts. droppedFn reports the
// hub's drop count.
func New(alerts <-chan model.Alert, droppedFn func() int64) *Aggregator {
	if droppedFn == nil {
		droppedFn = func() int64 { return 0 }
	}
	return &Aggregator{
		startTime:      time.Now(),
		analyzerCounts: make(map[string]int64),
		correlIDs:      make(map[string]struct{}),
		dropped:        droppedFn,
		alerts:         alerts,
	}
}

// Snapshot returns the current metrics.
func (a *Aggregator) Snapshot() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	counts := make(map[string]int64, len(a.analyzerCounts))
	for k, v := range a.analyzerCounts {
		counts[k] = v
	}

	cutoff := time.Now().Add(-rateWindow)
	var recent int
	for _, t := range a.window {
		if t.After(cutoff) {
			recent++
		}
	}

	return Stats{
		Uptime:          time.Since(a.startTime).Truncate(time.Second).String(),
		TotalAlerts:     a.totalAlerts,
		AlertsPerSecond: float64(recent) / rateWindow.Seconds(),
		AnalyzerCounts:  counts,
		UniqueCorrelIDs: len(a.correlIDs),
		DroppedAlerts:   a.dropped(),
	}
}

// Start consumes alerts until ctx is cancelled or the channel closes.
func (a *Aggregator) Start(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case alert, ok := <-a.alerts:
			if !ok {
				return
			}
			a.record(alert)
		case <-ticker.C:
			a.prune()
		}
	}
}

func (a *Aggregator) record(alert model.Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.totalAlerts++
	analyzer := alert.Analyzer()
	if analyzer == "" {
		analyzer = "unknown"
	}
	a.analyzerCounts[analyzer]++
	for _, id := range alert.CorrelIDs() {
		a.correlIDs[fmt.Sprint(id)] = struct{}{}
	}
	a.window = append(a.window, time.Now())
}

// prune drops arrival times older than rateWindow.
func (a *Aggregator) prune() {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := time.Now().Add(-rateWindow)
	i := 0
	for _, t := range a.window {
		if t.After(cutoff) {
			a.window[i] = t
			i++
		}
	}
	a.window = a.window[:i]
}
