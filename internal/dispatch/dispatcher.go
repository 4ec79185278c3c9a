// Package dispatch contains the dispatcher core: the intake/routing loop,
// the per-session queue consumers, the consumer reconciler, the retry
// drains and the SmartGuard tuner.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/waflow/antiban-dispatcher/internal/adapter/kv"
	"github.com/waflow/antiban-dispatcher/internal/adapter/observability"
	"github.com/waflow/antiban-dispatcher/internal/config"
	"github.com/waflow/antiban-dispatcher/internal/domain"
	"github.com/waflow/antiban-dispatcher/internal/incident"
	"github.com/waflow/antiban-dispatcher/internal/pacer"
	"github.com/waflow/antiban-dispatcher/internal/router"
	"github.com/waflow/antiban-dispatcher/internal/trust"
)

// Periods of the auxiliary loops.
const (
	reconcilePeriod   = 5 * time.Second
	retryDrainPeriod  = time.Second
	stickySweepPeriod = time.Hour
	retryDrainBatch   = 25
	popTimeout        = 2 * time.Second
)

// Stats is the /health counter snapshot.
type Stats struct {
	Processed    int64 `json:"processed"`
	Routed       int64 `json:"routed"`
	Failed       int64 `json:"failed"`
	ActivePacers int   `json:"activePacers"`
}

// Dispatcher owns all long-running loops. All durable state lives in the
// KV store; the only in-process state is the sticky map, the roster cache
// and the pacer map.
type Dispatcher struct {
	cfg       config.Config
	store     *kv.Store
	sessions  domain.SessionSource
	handoff   domain.Handoff
	incidents *incident.Log
	router    *router.Router
	pacers    *pacer.Manager
	guard     *SmartGuard

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	consumers map[string]*consumer

	processed atomic.Int64
	routed    atomic.Int64
	failed    atomic.Int64
}

// New wires a Dispatcher. It does not start any loops.
func New(cfg config.Config, store *kv.Store, sessions domain.SessionSource, handoff domain.Handoff, incidents *incident.Log) *Dispatcher {
	d := &Dispatcher{
		cfg:       cfg,
		store:     store,
		sessions:  sessions,
		handoff:   handoff,
		incidents: incidents,
		router:    router.New(),
		pacers: pacer.NewManager(pacer.Config{
			MinDelayMs:      cfg.DefaultMinDelayMS,
			MaxDelayMs:      cfg.DefaultMaxDelayMS,
			BurstLimit:      cfg.BurstLimit,
			BurstCooldownMs: cfg.BurstCooldownMS,
		}),
		consumers: make(map[string]*consumer),
	}
	d.guard = newSmartGuard(cfg, store, sessions, incidents)
	return d
}

// Start launches the intake loop, the reconciler, the retry drains and
// SmartGuard. Idempotent while running.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.running = true

	d.spawn(func() { d.runIntakeLoop(ctx) })
	d.spawn(func() { d.runReconciler(ctx) })
	d.spawn(func() { d.runTaskRetryDrain(ctx) })
	d.spawn(func() { d.runStickySweeper(ctx) })
	d.spawn(func() { d.guard.run(ctx) })

	slog.Info("dispatcher started",
		slog.String("send_mode", d.cfg.SendMode),
		slog.Duration("poll_interval", d.cfg.PollInterval()))
}

// Stop cancels every loop, waits for them to observe the signal and clears
// the consumer map. Blocking pops have a 2s ceiling so this returns quickly.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel := d.cancel
	d.mu.Unlock()

	cancel()
	d.wg.Wait()

	d.mu.Lock()
	for id := range d.consumers {
		delete(d.consumers, id)
		d.pacers.Remove(id)
	}
	d.mu.Unlock()
	observability.ActiveConsumers.Set(0)
	slog.Info("dispatcher stopped")
}

// Running reports whether the loops are live.
func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Stats snapshots the process counters for /health.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Processed:    d.processed.Load(),
		Routed:       d.routed.Load(),
		Failed:       d.failed.Load(),
		ActivePacers: d.pacers.Count(),
	}
}

// Pacers exposes the pacer manager for the control API.
func (d *Dispatcher) Pacers() *pacer.Manager { return d.pacers }

// ApplySessionRPM persists an override (or clears it on nil) and re-paces
// the live pacer immediately, without waiting for the next reconcile.
func (d *Dispatcher) ApplySessionRPM(ctx context.Context, sessionID string, rpm *int) error {
	if rpm == nil {
		if err := d.store.ClearRPMOverride(ctx, sessionID); err != nil {
			return err
		}
		if p, ok := d.pacers.Lookup(sessionID); ok {
			p.ClearRPM()
			d.applyTrustWindow(p, sessionID)
		}
		return nil
	}
	if err := d.store.SetRPMOverride(ctx, sessionID, *rpm); err != nil {
		return err
	}
	if p, ok := d.pacers.Lookup(sessionID); ok {
		if err := p.SetRPM(float64(*rpm)); err != nil {
			return err
		}
	}
	return nil
}

// applyTrustWindow restores the trust-policy delay window on a pacer that
// just left RPM mode.
func (d *Dispatcher) applyTrustWindow(p *pacer.Pacer, sessionID string) {
	d.mu.Lock()
	c, ok := d.consumers[sessionID]
	d.mu.Unlock()
	if !ok {
		return
	}
	profile := trust.ForCreatedAt(c.session.CreatedAt, time.Now())
	p.UpdateConfig(pacer.Config{MinDelayMs: profile.MinDelayMs, MaxDelayMs: profile.MaxDelayMs})
}

// SessionMetric is one row of GET /sessions/metrics.
type SessionMetric struct {
	SessionID     string `json:"sessionId"`
	Phone         string `json:"phone"`
	QueueLen      int64  `json:"queueLen"`
	SentLast60s   int64  `json:"sentLast60s"`
	RoutedLast60s int64  `json:"routedLast60s"`
	FailedLast60s int64  `json:"failedLast60s"`
	TrustLevel    int    `json:"trustLevel"`
	RPMDefault    int    `json:"rpmDefault"`
	RPMOverride   *int   `json:"rpmOverride"`
}

// SessionMetrics builds the per-session metrics view for the control API.
func (d *Dispatcher) SessionMetrics(ctx context.Context) ([]SessionMetric, error) {
	roster, err := d.sessions.Sessions(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]SessionMetric, 0, len(roster))
	for _, s := range roster {
		if !s.Connected() {
			continue
		}
		qlen, err := d.store.SessionQueueLen(ctx, s.Phone)
		if err != nil {
			return nil, err
		}
		sent, routed, failed, err := d.store.SessionMetrics(ctx, s.SessionID)
		if err != nil {
			return nil, err
		}
		profile := trust.ForCreatedAt(s.CreatedAt, now)
		m := SessionMetric{
			SessionID:     s.SessionID,
			Phone:         s.Phone,
			QueueLen:      qlen,
			SentLast60s:   sent,
			RoutedLast60s: routed,
			FailedLast60s: failed,
			TrustLevel:    profile.Level,
			RPMDefault:    profile.RPM,
		}
		if rpm, ok, err := d.store.RPMOverride(ctx, s.SessionID); err == nil && ok {
			m.RPMOverride = &rpm
		}
		out = append(out, m)
	}
	return out, nil
}

func (d *Dispatcher) spawn(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

// runStickySweeper drops expired recipient pins hourly.
func (d *Dispatcher) runStickySweeper(ctx context.Context) {
	t := time.NewTicker(stickySweepPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := d.router.Sweep(now); n > 0 {
				slog.Debug("sticky sweep", slog.Int("dropped", n))
			}
		}
	}
}

// clampRetryDelay bounds the re-dispatch delay to avoid hot loops and
// pathological waits.
func clampRetryDelay(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	if d > 10*time.Minute {
		return 10 * time.Minute
	}
	return d
}
