package dispatch

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/waflow/antiban-dispatcher/internal/adapter/kv"
	"github.com/waflow/antiban-dispatcher/internal/adapter/observability"
	"github.com/waflow/antiban-dispatcher/internal/config"
	"github.com/waflow/antiban-dispatcher/internal/domain"
	"github.com/waflow/antiban-dispatcher/internal/incident"
	"github.com/waflow/antiban-dispatcher/internal/trust"
)

// rpmRungs is the ladder SmartGuard converges on. Manual overrides may sit
// below it (2, 3); they snap to the nearest rung before a decision.
var rpmRungs = []int{5, 10, 15, 20}

// SmartGuard decision thresholds.
const (
	failureSpikeThreshold = 3
	stableBacklogMax      = 2
)

// SmartGuard reasons recorded on RPM changes.
const (
	reasonFailedSpike = "FAILED_SPIKE"
	reasonStable      = "STABLE"
)

// SmartGuard periodically narrows a session's RPM under failures and widens
// it under stability, never exceeding the trust baseline.
type SmartGuard struct {
	cfg       config.Config
	store     *kv.Store
	sessions  domain.SessionSource
	incidents *incident.Log
	inTick    atomic.Bool
}

func newSmartGuard(cfg config.Config, store *kv.Store, sessions domain.SessionSource, incidents *incident.Log) *SmartGuard {
	return &SmartGuard{cfg: cfg, store: store, sessions: sessions, incidents: incidents}
}

func (g *SmartGuard) run(ctx context.Context) {
	t := time.NewTicker(g.cfg.SmartGuardTick())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			g.tick(ctx)
		}
	}
}

// tick evaluates every connected session once. A re-entrancy flag keeps a
// slow tick from overlapping the next one.
func (g *SmartGuard) tick(ctx context.Context) {
	if !g.inTick.CompareAndSwap(false, true) {
		return
	}
	defer g.inTick.Store(false)

	enabled, err := g.store.SmartGuardEnabled(ctx, g.cfg.SmartGuardEnabled)
	if err != nil || !enabled {
		return
	}
	now := time.Now()
	if err := g.store.TouchSmartGuardTick(ctx, now); err != nil {
		slog.Debug("smartguard tick write failed", slog.Any("error", err))
	}

	roster, err := g.sessions.Sessions(ctx)
	if err != nil {
		return
	}
	for _, s := range roster {
		if !s.Connected() {
			continue
		}
		if err := g.evaluateSession(ctx, s, now); err != nil {
			g.incidents.Push(ctx, map[string]any{
				"type":      incident.TypeSmartGuardError,
				"sessionId": s.SessionID,
				"error":     err.Error(),
			})
			slog.Error("smartguard evaluation failed",
				slog.String("session_id", s.SessionID), slog.Any("error", err))
		}
	}
}

func (g *SmartGuard) evaluateSession(ctx context.Context, s domain.Session, now time.Time) error {
	qlen, err := g.store.SessionQueueLen(ctx, s.Phone)
	if err != nil {
		return err
	}
	sent, _, failed, err := g.store.SessionMetrics(ctx, s.SessionID)
	if err != nil {
		return err
	}
	base := trust.ForCreatedAt(s.CreatedAt, now)

	current := base.RPM
	if rpm, ok, err := g.store.RPMOverride(ctx, s.SessionID); err != nil {
		return err
	} else if ok {
		current = rpm
	}

	target := current
	reason := ""
	switch {
	case failed >= failureSpikeThreshold:
		target = lowerRung(snapRung(current))
		reason = reasonFailedSpike
	case failed == 0 && qlen <= stableBacklogMax && sent > 0:
		target = raiseRung(snapRung(current))
		reason = reasonStable
	default:
		return nil
	}
	if target > base.RPM {
		target = base.RPM
	}
	if target == current {
		return nil
	}

	if err := g.store.SetRPMOverride(ctx, s.SessionID, target); err != nil {
		return err
	}
	if err := g.store.TouchSmartGuardAction(ctx, now); err != nil {
		slog.Debug("smartguard action write failed", slog.Any("error", err))
	}

	direction := "lower"
	if target > current {
		direction = "raise"
	}
	observability.SmartGuardChangesTotal.WithLabelValues(direction).Inc()
	g.incidents.Push(ctx, map[string]any{
		"type":      incident.TypeSmartGuardRPMChange,
		"sessionId": s.SessionID,
		"from":      current,
		"to":        target,
		"base":      base.RPM,
		"reason":    reason,
		"metrics": map[string]any{
			"queueLen":  qlen,
			"sent60s":   sent,
			"failed60s": failed,
		},
	})
	slog.Info("smartguard rpm change",
		slog.String("session_id", s.SessionID),
		slog.Int("from", current),
		slog.Int("to", target),
		slog.String("reason", reason))
	return nil
}

// snapRung maps an arbitrary RPM to the nearest ladder rung, preferring the
// lower rung on ties.
func snapRung(rpm int) int {
	best := rpmRungs[0]
	bestDist := abs(rpm - best)
	for _, r := range rpmRungs[1:] {
		if d := abs(rpm - r); d < bestDist {
			best = r
			bestDist = d
		}
	}
	return best
}

func lowerRung(rpm int) int {
	for i, r := range rpmRungs {
		if r == rpm {
			if i == 0 {
				return r
			}
			return rpmRungs[i-1]
		}
	}
	return rpm
}

func raiseRung(rpm int) int {
	for i, r := range rpmRungs {
		if r == rpm {
			if i == len(rpmRungs)-1 {
				return r
			}
			return rpmRungs[i+1]
		}
	}
	return rpm
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// Status reports SmartGuard state for the control API.
type SmartGuardStatus struct {
	Enabled      bool  `json:"enabled"`
	TickMs       int64 `json:"tickMs"`
	LastTick     int64 `json:"lastTick"`
	LastActionAt int64 `json:"lastActionAt"`
}

// GuardStatus assembles GET /smartguard/status.
func (d *Dispatcher) GuardStatus(ctx context.Context) (SmartGuardStatus, error) {
	enabled, err := d.store.SmartGuardEnabled(ctx, d.cfg.SmartGuardEnabled)
	if err != nil {
		return SmartGuardStatus{}, err
	}
	lastTick, lastAction, err := d.store.SmartGuardTimestamps(ctx)
	if err != nil {
		return SmartGuardStatus{}, err
	}
	return SmartGuardStatus{
		Enabled:      enabled,
		TickMs:       d.cfg.SmartGuardTick().Milliseconds(),
		LastTick:     lastTick,
		LastActionAt: lastAction,
	}, nil
}

// SetGuardEnabled persists the toggle and records the change.
func (d *Dispatcher) SetGuardEnabled(ctx context.Context, enabled bool) error {
	if err := d.store.SetSmartGuardEnabled(ctx, enabled); err != nil {
		return err
	}
	d.incidents.Push(ctx, map[string]any{
		"type":    incident.TypeSmartGuardToggle,
		"enabled": enabled,
	})
	return nil
}

// TickGuardOnce runs a single SmartGuard evaluation outside the ticker.
// Used by tests; the ticker calls the same path.
func (d *Dispatcher) TickGuardOnce(ctx context.Context) { d.guard.tick(ctx) }
