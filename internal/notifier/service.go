package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"marketpulse/internal/eventbus"
	rtsup "marketpulse/internal/runtime/supervisor"
	logx "marketpulse/pkg/logx"
)

// Service forwards urgent audit events to an external channel (Telegram).
//
// It subscribes to the event bus, filters by priority, dedups repeats within
// a window, rate-limits outbound sends and retries transient failures. A
// broken notifier never blocks the dispatcher: the bus drops on backpressure
// and every send is bounded.
type Service struct {
	mu sync.Mutex

	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	sender Sender

	limiter *rate.Limiter

	sup   *rtsup.Supervisor
	unsub func()

	// In-memory dedup cache: key -> suppress until.
	dmu   sync.Mutex
	dedup map[string]time.Time

	// Recent sends, for the status surface.
	hmu     sync.Mutex
	history []HistoryItem

	now func() time.Time
}

func New(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:    log,
		bus:    bus,
		sender: sender,
		dedup:  map[string]time.Time{},
		now:    time.Now,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.MinPriority <= 0 {
		cfg.MinPriority = 2
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 10 * time.Minute
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so a failure flurry doesn't stall.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start subscribes to the bus and begins forwarding. Idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.sup != nil || !s.cfg.Enabled || s.bus == nil || s.sender == nil {
		s.mu.Unlock()
		return
	}
	ch, unsub := s.bus.Subscribe(64)
	s.unsub = unsub
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))),
		// Alerting is best-effort; a notifier fault never cancels siblings.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	sup.Go0("pump", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				s.forward(c, m)
			}
		}
	})
}

// Stop unsubscribes and waits for the pump to drain, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup := s.sup
	unsub := s.unsub
	s.sup = nil
	s.unsub = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub() // closes the channel; the pump exits after draining
	}
	if sup != nil {
		_ = sup.Wait(ctx)
	}
}

// forward filters, dedups and delivers one bus message.
func (s *Service) forward(ctx context.Context, m eventbus.Message) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	sender := s.sender
	s.mu.Unlock()

	if m.Priority > cfg.MinPriority {
		return
	}

	key := dedupKey(m)
	if !s.dedupAllow(key, cfg.DedupWindow) {
		s.log.Debug("alert suppressed (duplicate)",
			logx.String("type", m.Type), logx.String("source", m.Source))
		return
	}

	text := renderAlert(m)

	const maxAttempts = 3
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := sender.Send(cctx, text)
		cancel()
		if err == nil {
			s.appendHistory(text)
			return
		}
		lastErr = err
		s.log.Debug("alert send failed",
			logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))
		if attempt < maxAttempts {
			delay := 500 * time.Millisecond << (attempt - 1)
			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return
			}
		}
	}
	s.log.Warn("alert dropped after retries",
		logx.String("type", m.Type), logx.String("source", m.Source), logx.Err(lastErr))
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: s.now(), Text: text})
	if len(s.history) > 100 {
		s.history = s.history[len(s.history)-100:]
	}
	s.hmu.Unlock()
}

// dedupAllow reports whether an alert with this key may be sent now, and if
// so starts a new suppression window. Expired entries are pruned in passing.
func (s *Service) dedupAllow(key string, window time.Duration) bool {
	now := s.now()
	s.dmu.Lock()
	defer s.dmu.Unlock()

	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = now.Add(window)
	return true
}

// dedupKey collapses repeats of the same alert class for the same job. The
// summary is excluded on purpose: retry attempts phrase their errors
// differently but describe one incident.
func dedupKey(m eventbus.Message) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(m.Type))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(m.Source))
	return fmt.Sprintf("%x", h.Sum64())
}

func renderAlert(m eventbus.Message) string {
	var b strings.Builder
	b.WriteString(prefixForPriority(m.Priority))
	b.WriteString("[")
	b.WriteString(m.Type)
	b.WriteString("] ")
	b.WriteString(m.Summary)
	if !m.Time.IsZero() {
		b.WriteString("\n")
		b.WriteString(m.Time.Format("2006-01-02 15:04:05 MST"))
	}
	return b.String()
}

func prefixForPriority(p int) string {
	switch p {
	case 1:
		return "🚨 "
	case 2:
		return "⚠️ "
	default:
		return "ℹ️ "
	}
}
