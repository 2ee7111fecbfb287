package monitor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jenilv-icpl/slips-sdk/internal/model"
	"github.com/jenilv-icpl/slips-sdk/internal/normalizer"
	"github.com/jenilv-icpl/slips-sdk/internal/tailer"
)

const waitFor = 3 * time.Second

type collector struct {
	mu     sync.Mutex
	alerts []model.Alert
}

func (c *collector) handle(a model.Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
}

func (c *collector) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.alerts))
	for i, a := range c.alerts {
		out[i] = a.ID()
	}
	return out
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

func appendLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	require.NoError(t, err)
	for _, l := range lines {
		_, err = f.WriteString(l + "\n")
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())
}

func appendRaw(path, text string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(text); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func testConfig(path string) Config {
	cfg := DefaultConfig(path)
	cfg.PollInterval = 20 * time.Millisecond
	return cfg
}

func newTestMonitor(t *testing.T, cfg Config, h Handler, opts ...Option) *Monitor {
	t.Helper()
	opts = append([]Option{WithLogger(zerolog.Nop())}, opts...)
	m, err := New(cfg, h, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Stop() })
	return m
}

func TestTailDeliversAppendedLinesInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.json")
	appendLines(t, path, `{"ID":"old","Status":"Incident"}`)

	var c collector
	m := newTestMonitor(t, testConfig(path), c.handle)
	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.IsRunning())

	appendLines(t, path,
		`{"ID":"1","Status":"Incident"}`,
		`{"ID":"2","Status":"Event"}`,
		`not json`,
		`{"ID":"3","Status":"Incident"}`,
	)
	appendLines(t, path, `{"ID":"4","Status":"Incident"}`)

	require.Eventually(t, func() bool { return c.count() >= 3 }, waitFor, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{"1", "3", "4"}, c.ids())
}

func TestTailFromStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.json")
	appendLines(t, path, `{"ID":"a","Status":"Incident"}`, `{"ID":"b","Status":"Incident"}`)

	var c collector
	cfg := testConfig(path)
	cfg.FromStart = true
	m := newTestMonitor(t, cfg, c.handle)
	require.NoError(t, m.Start(context.Background()))

	assert.Equal(t, []string{"a", "b"}, c.ids())
}

func TestStartWaitsForFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.json")

	var c collector
	m := newTestMonitor(t, testConfig(path), c.handle)

	started := make(chan error, 1)
	go func() { started <- m.Start(context.Background()) }()

	select {
	case err := <-started:
		t.Fatalf("Start returned before the file existed: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	// Appear with content in one step so the initial skip-to-end sees it.
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(`{"ID":"pre","Status":"Incident"}`+"\n"), 0o644))
	require.NoError(t, os.Rename(tmp, path))
	select {
	case err := <-started:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Start did not return after the file appeared")
	}

	appendLines(t, path, `{"ID":"post","Status":"Incident"}`)
	require.Eventually(t, func() bool { return c.count() == 1 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, []string{"post"}, c.ids())
}

func TestStartMaxWait(t *testing.T) {
	cfg := testConfig(filepath.Join(t.TempDir(), "never.json"))
	cfg.MaxWait = 100 * time.Millisecond

	m := newTestMonitor(t, cfg, func(model.Alert) {})
	err := m.Start(context.Background())
	assert.ErrorIs(t, err, ErrWaitTimeout)
	assert.False(t, m.IsRunning())
}

func TestStartAgainAfterWaitTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "late.json")
	cfg := testConfig(path)
	cfg.MaxWait = 50 * time.Millisecond

	var c collector
	m := newTestMonitor(t, cfg, c.handle)
	require.ErrorIs(t, m.Start(context.Background()), ErrWaitTimeout)

	appendLines(t, path, `{"ID":"present","Status":"Incident"}`)
	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.IsRunning())
	assert.ErrorIs(t, m.Start(context.Background()), ErrAlreadyStarted)
}

func TestStartContextCancelled(t *testing.T) {
	m := newTestMonitor(t, testConfig(filepath.Join(t.TempDir(), "never.json")), func(model.Alert) {})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Start(ctx), context.DeadlineExceeded)
}

func TestStopBeforeStartCompletes(t *testing.T) {
	m := newTestMonitor(t, testConfig(filepath.Join(t.TempDir(), "never.json")), func(model.Alert) {})

	started := make(chan error, 1)
	go func() { started <- m.Start(context.Background()) }()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop())

	select {
	case err := <-started:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(waitFor):
		t.Fatal("Start kept waiting after Stop")
	}
	assert.False(t, m.IsRunning())
	assert.ErrorIs(t, m.Start(context.Background()), ErrStopped)
}

func TestStopIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.json")
	appendLines(t, path)

	never := newTestMonitor(t, testConfig(path), func(model.Alert) {})
	assert.NoError(t, never.Stop())
	assert.NoError(t, never.Stop())

	var c collector
	m := newTestMonitor(t, testConfig(path), c.handle)
	require.NoError(t, m.Start(context.Background()))
	assert.ErrorIs(t, m.Start(context.Background()), ErrAlreadyStarted)

	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop())
	assert.False(t, m.IsRunning())

	// No watcher is left behind to deliver this.
	appendLines(t, path, `{"ID":"late","Status":"Incident"}`)
	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, c.count())
}

func TestSnapshotSecondToLast(t *testing.T) {
	path := filepath.Join(t.TempDir(), "incidents.json")
	appendLines(t, path, `{"ID":"first","Status":"Incident"}`)

	var c collector
	cfg := testConfig(path)
	cfg.Mode = tailer.ModeSnapshot
	m := newTestMonitor(t, cfg, c.handle)
	require.NoError(t, m.Start(context.Background()))

	// One line is not enough for second-to-last.
	assert.Zero(t, c.count())

	appendLines(t, path, `{"ID":"trailer","Status":"Incident"}`)
	require.Eventually(t, func() bool { return c.count() >= 1 }, waitFor, 10*time.Millisecond)

	for _, id := range c.ids() {
		assert.Equal(t, "first", id)
	}
}

func TestSnapshotLastOnStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "incidents.json")
	appendLines(t, path, `{"ID":"a","Status":"Incident"}`, `{"ID":"b","Status":"Incident","CorrelID":[1,2,1,3,2]}`)

	var c collector
	cfg := testConfig(path)
	cfg.Mode = tailer.ModeSnapshot
	cfg.Selection = tailer.SelectLast
	m := newTestMonitor(t, cfg, c.handle)
	require.NoError(t, m.Start(context.Background()))

	require.Equal(t, []string{"b"}, c.ids())
	assert.Len(t, c.alerts[0].CorrelIDs(), 3)
}

// exclusiveNormalizer fails the test if two calls overlap.
type exclusiveNormalizer struct {
	inner    *normalizer.Normalizer
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	calls    atomic.Int32
}

func (n *exclusiveNormalizer) Normalize(raw string) (model.Alert, error) {
	cur := n.inFlight.Add(1)
	defer n.inFlight.Add(-1)
	for {
		prev := n.maxSeen.Load()
		if cur <= prev || n.maxSeen.CompareAndSwap(prev, cur) {
			break
		}
	}
	n.calls.Add(1)
	time.Sleep(2 * time.Millisecond)
	return n.inner.Normalize(raw)
}

func TestPassesNeverOverlap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.json")
	appendLines(t, path)

	norm := &exclusiveNormalizer{inner: normalizer.NewWithLogger(normalizer.DefaultOptions(), zerolog.Nop())}
	var handlerInFlight, handlerOverlap atomic.Int32
	var c collector
	h := func(a model.Alert) {
		if handlerInFlight.Add(1) > 1 {
			handlerOverlap.Add(1)
		}
		c.handle(a)
		handlerInFlight.Add(-1)
	}

	m := newTestMonitor(t, testConfig(path), h, WithNormalizer(norm))
	require.NoError(t, m.Start(context.Background()))

	const writers = 5
	const perWriter = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				if err := appendRaw(path, `{"ID":"x","Status":"Incident"}`+"\n"); err != nil {
					t.Error(err)
					return
				}
				m.Process()
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return c.count() == writers*perWriter }, waitFor, 10*time.Millisecond)
	assert.EqualValues(t, 1, norm.maxSeen.Load())
	assert.Zero(t, handlerOverlap.Load())
	assert.EqualValues(t, writers*perWriter, norm.calls.Load())
}

func TestHandlerPanicIsContained(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.json")
	appendLines(t, path)

	var c collector
	h := func(a model.Alert) {
		if a.ID() == "boom" {
			panic("consumer failure")
		}
		c.handle(a)
	}

	reg := prometheus.NewRegistry()
	m := newTestMonitor(t, testConfig(path), h, WithRegisterer(reg))
	require.NoError(t, m.Start(context.Background()))

	appendLines(t, path, `{"ID":"boom","Status":"Incident"}`, `{"ID":"ok","Status":"Incident"}`)
	require.Eventually(t, func() bool { return c.count() == 1 }, waitFor, 10*time.Millisecond)

	assert.Equal(t, []string{"ok"}, c.ids())
	assert.True(t, m.IsRunning())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Metrics().RecordsDropped.WithLabelValues(reasonPanic)))
}

func TestReadAllExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.json")
	appendLines(t, path,
		`{"ID":"1","Status":"Incident","Note":"{\"k\":1}"}`,
		`garbage`,
		`{"ID":"2","Status":"Event"}`,
		`{"ID":"3","Status":"Incident"}`,
	)

	var c collector
	m := newTestMonitor(t, testConfig(path), c.handle)
	require.NoError(t, m.ReadAllExisting(context.Background()))

	assert.Equal(t, []string{"1", "3"}, c.ids())
	assert.IsType(t, map[string]any{}, c.alerts[0]["Note"])
	assert.False(t, m.IsRunning())
}

func TestMetrics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.json")
	appendLines(t, path)

	reg := prometheus.NewRegistry()
	var c collector
	m := newTestMonitor(t, testConfig(path), c.handle, WithRegisterer(reg))
	require.NoError(t, m.Start(context.Background()))

	appendLines(t, path,
		`{"ID":"1","Status":"Incident","Note":"not json"}`,
		`{"ID":"2","Status":"Event"}`,
		`{broken`,
	)
	m.Process()

	met := m.Metrics()
	assert.Equal(t, 3.0, testutil.ToFloat64(met.LinesRead))
	assert.Equal(t, 1.0, testutil.ToFloat64(met.AlertsEmitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(met.RecordsDropped.WithLabelValues(reasonStatus)))
	assert.Equal(t, 1.0, testutil.ToFloat64(met.RecordsDropped.WithLabelValues(reasonDecode)))
	assert.Equal(t, 1.0, testutil.ToFloat64(met.NoteDecodeErrors))
	assert.Equal(t, "not json", c.alerts[0]["Note"])

	count, err := testutil.GatherAndCount(reg, "slips_monitor_passes_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCheckpointResume(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "alerts.json")
	appendLines(t, path, `{"ID":"before","Status":"Incident"}`)

	cfg := testConfig(path)
	cfg.CheckpointPath = filepath.Join(dir, "state.json")

	var first collector
	m1 := newTestMonitor(t, cfg, first.handle)
	require.NoError(t, m1.Start(context.Background()))
	appendLines(t, path, `{"ID":"live","Status":"Incident"}`)
	m1.Process()
	require.NoError(t, m1.Stop())
	assert.Contains(t, first.ids(), "live")

	appendLines(t, path, `{"ID":"offline","Status":"Incident"}`)

	var second collector
	m2 := newTestMonitor(t, cfg, second.handle)
	require.NoError(t, m2.Start(context.Background()))
	assert.Equal(t, []string{"offline"}, second.ids())
}

func TestCheckpointFlushedWhileRunning(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "alerts.json")
	appendLines(t, path, `{"ID":"before","Status":"Incident"}`)

	cfg := testConfig(path)
	cfg.CheckpointPath = filepath.Join(dir, "state.json")
	cfg.CheckpointInterval = 20 * time.Millisecond

	var c collector
	m := newTestMonitor(t, cfg, c.handle)
	require.NoError(t, m.Start(context.Background()))
	appendLines(t, path, `{"ID":"live","Status":"Incident"}`)
	m.Process()

	info, err := os.Stat(path)
	require.NoError(t, err)

	// Read back without Stop, as after a crash.
	saved := func() int64 {
		raw, err := os.ReadFile(cfg.CheckpointPath)
		if err != nil {
			return -1
		}
		var data struct {
			Offsets map[string]int64 `json:"offsets"`
		}
		if json.Unmarshal(raw, &data) != nil {
			return -1
		}
		return data.Offsets[m.Target()]
	}
	assert.Eventually(t, func() bool { return saved() == info.Size() }, waitFor, 10*time.Millisecond)
}

func TestTailFollowsRecreatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.json")
	appendLines(t, path, `{"ID":"old","Status":"Incident"}`)

	var c collector
	m := newTestMonitor(t, testConfig(path), c.handle)
	require.NoError(t, m.Start(context.Background()))

	require.NoError(t, os.Remove(path))
	appendLines(t, path,
		`{"ID":"new1","Status":"Incident"}`,
		`{"ID":"new2","Status":"Incident"}`,
	)
	m.Process()

	require.Eventually(t, func() bool { return c.count() >= 2 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, []string{"new1", "new2"}, c.ids())
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{}, func(model.Alert) {})
	assert.Error(t, err)

	_, err = New(DefaultConfig("x.json"), nil)
	assert.Error(t, err)

	cfg := DefaultConfig("x.json")
	cfg.MaxWait = -time.Second
	_, err = New(cfg, func(model.Alert) {})
	assert.Error(t, err)

	cfg = DefaultConfig("x.json")
	cfg.Mode = tailer.Mode(7)
	_, err = New(cfg, func(model.Alert) {})
	assert.Error(t, err)

	m, err := New(DefaultConfig("x.json"), func(model.Alert) {}, WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(m.Target()))
	assert.NotEmpty(t, m.ID())
}
