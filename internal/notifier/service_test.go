package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"marketpulse/internal/eventbus"
	logx "marketpulse/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	fails int // fail this many sends before succeeding
}

func (f *fakeSender) Send(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("telegram unavailable")
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func newRunning(t *testing.T, cfg Config) (*Service, eventbus.Bus, *fakeSender) {
	t.Helper()
	bus := eventbus.New()
	fs := &fakeSender{}
	cfg.Enabled = true
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 1000 // keep tests fast
	}
	s := New(cfg, fs, bus, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s, bus, fs
}

func TestForwardsUrgentDropsRoutine(t *testing.T) {
	t.Parallel()
	_, bus, fs := newRunning(t, Config{MinPriority: 2})

	bus.Publish(eventbus.Message{Type: "job.failed", Source: "cot", Summary: "collection failed", Priority: 2})
	bus.Publish(eventbus.Message{Type: "job.success", Source: "cot", Summary: "collected 312 rows", Priority: 4})

	waitFor(t, func() bool { return len(fs.texts()) == 1 })
	time.Sleep(20 * time.Millisecond)

	got := fs.texts()
	if len(got) != 1 {
		t.Fatalf("sent = %d alerts, want 1", len(got))
	}
	if !strings.Contains(got[0], "job.failed") || !strings.Contains(got[0], "collection failed") {
		t.Fatalf("unexpected alert text: %q", got[0])
	}
	if !strings.HasPrefix(got[0], "⚠️") {
		t.Fatalf("priority 2 alert should carry the warning prefix: %q", got[0])
	}
}

// testClock is a synchronized movable clock for dedup expiry tests.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.t.IsZero() {
		return time.Now()
	}
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func TestDedupSuppressesRepeats(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	fs := &fakeSender{}
	clk := &testClock{}
	svc := New(Config{Enabled: true, MinPriority: 2, RatePerSec: 1000, DedupWindow: time.Hour}, fs, bus, logx.Nop())
	svc.now = clk.Now
	svc.Start(context.Background())
	t.Cleanup(func() { svc.Stop(context.Background()) })

	bus.Publish(eventbus.Message{Type: "job.failed", Source: "cot", Summary: "attempt 1 failed", Priority: 2})
	waitFor(t, func() bool { return len(fs.texts()) == 1 })

	// Same incident, different phrasing: suppressed.
	bus.Publish(eventbus.Message{Type: "job.failed", Source: "cot", Summary: "attempt 2 failed", Priority: 2})
	// Different job: its own key.
	bus.Publish(eventbus.Message{Type: "job.failed", Source: "daily_prices", Summary: "failed", Priority: 2})

	waitFor(t, func() bool { return len(fs.texts()) == 2 })
	time.Sleep(20 * time.Millisecond)
	if got := fs.texts(); len(got) != 2 {
		t.Fatalf("sent = %d alerts, want 2", len(got))
	}

	// Window expiry re-arms the key.
	clk.Set(time.Now().Add(2 * time.Hour))
	bus.Publish(eventbus.Message{Type: "job.failed", Source: "cot", Summary: "failed again", Priority: 2})
	waitFor(t, func() bool { return len(fs.texts()) == 3 })
}

func TestRetriesTransientSendFailures(t *testing.T) {
	t.Parallel()
	_, bus, fs := newRunning(t, Config{MinPriority: 2})
	fs.mu.Lock()
	fs.fails = 2
	fs.mu.Unlock()

	bus.Publish(eventbus.Message{Type: "job.overdue", Source: "cot", Summary: "overdue", Priority: 2})
	waitFor(t, func() bool { return len(fs.texts()) == 1 })
}

func TestDisabledNeverStarts(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	fs := &fakeSender{}
	s := New(Config{Enabled: false}, fs, bus, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	bus.Publish(eventbus.Message{Type: "job.failed", Source: "cot", Summary: "failed", Priority: 1})
	time.Sleep(30 * time.Millisecond)
	if len(fs.texts()) != 0 {
		t.Fatal("disabled notifier must not send")
	}
}

func TestStopDrains(t *testing.T) {
	t.Parallel()
	s, bus, fs := newRunning(t, Config{MinPriority: 1})

	bus.Publish(eventbus.Message{Type: "job.failed", Source: "cot", Summary: "failed", Priority: 1})
	waitFor(t, func() bool { return len(fs.texts()) == 1 })

	s.Stop(context.Background())
	if hist := s.Snapshot(); len(hist) != 1 {
		t.Fatalf("history = %d, want 1", len(hist))
	}

	// After Stop, published messages go nowhere.
	bus.Publish(eventbus.Message{Type: "job.failed", Source: "other", Summary: "failed", Priority: 1})
	time.Sleep(30 * time.Millisecond)
	if len(fs.texts()) != 1 {
		t.Fatal("stopped notifier must not send")
	}
}
