// Package pacer implements per-session send cadence: a randomized delay
// window with jitter, an optional RPM mode, a burst detector with cooldown,
// and a live rate multiplier. Each pacer belongs to exactly one session
// consumer; the mutex only exists so control endpoints can read stats and
// apply live updates.
package pacer

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Rate multiplier bounds.
const (
	minMultiplier = 0.5
	maxMultiplier = 5.0
)

// Config is the tunable part of a pacer.
type Config struct {
	MinDelayMs      int
	MaxDelayMs      int
	BurstLimit      int
	BurstCooldownMs int
}

// Stats is a point-in-time snapshot for the control API.
type Stats struct {
	SessionID       string  `json:"sessionId"`
	MinDelayMs      int     `json:"minDelayMs"`
	MaxDelayMs      int     `json:"maxDelayMs"`
	RPM             int     `json:"rpm,omitempty"`
	BurstLimit      int     `json:"burstLimit"`
	BurstCooldownMs int     `json:"burstCooldownMs"`
	RateMultiplier  float64 `json:"rateMultiplier"`
	SendCount       int     `json:"sendCount"`
	TotalSends      int64   `json:"totalSends"`
	TotalWaitMs     int64   `json:"totalWaitMs"`
	InBurstCooldown bool    `json:"inBurstCooldown"`
	LastSendAt      int64   `json:"lastSendAt,omitempty"`
}

// Pacer holds the cadence state for one session.
type Pacer struct {
	mu sync.Mutex

	sessionID string
	cfg       Config
	rpm       int // 0 means pure delay mode

	rateMultiplier  float64
	lastSendTime    time.Time
	sendCount       int
	burstStartTime  time.Time
	inBurstCooldown bool

	totalSends  int64
	totalWaitMs int64

	rng *rand.Rand
}

// New builds a pacer with the given defaults.
func New(sessionID string, cfg Config) *Pacer {
	if cfg.MaxDelayMs < cfg.MinDelayMs {
		cfg.MaxDelayMs = cfg.MinDelayMs
	}
	return &Pacer{
		sessionID:      sessionID,
		cfg:            cfg,
		rateMultiplier: 1.0,
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // pacing jitter, not crypto
	}
}

// WaitForSlot blocks until the next send respects policy and returns the
// delay actually waited, burst cooldown included. The context aborts the
// wait early.
func (p *Pacer) WaitForSlot(ctx context.Context) (time.Duration, error) {
	var waited time.Duration
	if cooldown := p.takeBurstCooldown(); cooldown > 0 {
		if err := sleep(ctx, cooldown); err != nil {
			return 0, err
		}
		p.finishBurstCooldown()
		waited += cooldown
	}

	delay := p.nextDelay()
	if delay > 0 {
		if err := sleep(ctx, delay); err != nil {
			return 0, err
		}
	}
	waited += delay
	p.mu.Lock()
	p.totalWaitMs += waited.Milliseconds()
	p.mu.Unlock()
	return waited, nil
}

// takeBurstCooldown checks the burst guard and, when tripped, returns the
// cooldown to sleep (burstCooldownMs plus 1-3s of noise).
func (p *Pacer) takeBurstCooldown() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cfg.BurstLimit <= 0 || p.sendCount < p.cfg.BurstLimit {
		return 0
	}
	p.inBurstCooldown = true
	noise := time.Duration(1000+p.rng.Intn(2001)) * time.Millisecond
	return time.Duration(p.cfg.BurstCooldownMs)*time.Millisecond + noise
}

func (p *Pacer) finishBurstCooldown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sendCount = 0
	p.inBurstCooldown = false
	p.burstStartTime = time.Time{}
}

// nextDelay computes how long the caller still has to wait before the next
// send, after crediting time already elapsed since the last one.
func (p *Pacer) nextDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	minMs, maxMs := p.window()
	target := minMs
	if maxMs > minMs {
		target = minMs + p.rng.Intn(maxMs-minMs+1)
	}
	scaled := float64(target) * p.rateMultiplier
	jitter := 0.8 + p.rng.Float64()*0.4
	targetMs := time.Duration(scaled*jitter) * time.Millisecond

	if p.lastSendTime.IsZero() {
		return 0
	}
	elapsed := time.Since(p.lastSendTime)
	if elapsed >= targetMs {
		return 0
	}
	return targetMs - elapsed
}

// window resolves the effective delay window; a positive rpm overrides the
// configured bounds with 0.8x-1.2x of the base interval.
func (p *Pacer) window() (minMs, maxMs int) {
	if p.rpm > 0 {
		base := 60000.0 / float64(p.rpm)
		minMs = int(math.Floor(0.8 * base))
		maxMs = int(math.Floor(1.2 * base))
		if maxMs < minMs {
			maxMs = minMs
		}
		return
	}
	return p.cfg.MinDelayMs, p.cfg.MaxDelayMs
}

// RecordSend marks an attempt. Called after every handoff regardless of
// outcome so cadence tracks attempts, not successes.
func (p *Pacer) RecordSend() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	if p.sendCount == 0 {
		p.burstStartTime = now
	}
	p.lastSendTime = now
	p.sendCount++
	p.totalSends++
}

// SetRPM switches to RPM mode. Non-finite or non-positive values are a hard
// error.
func (p *Pacer) SetRPM(rpm float64) error {
	if math.IsNaN(rpm) || math.IsInf(rpm, 0) || rpm <= 0 {
		return fmt.Errorf("op=pacer.SetRPM: invalid rpm %v", rpm)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rpm = int(rpm)
	return nil
}

// ClearRPM reverts to pure delay mode.
func (p *Pacer) ClearRPM() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rpm = 0
}

// RPM returns the active rpm, 0 in delay mode.
func (p *Pacer) RPM() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rpm
}

// UpdateConfig mutates the delay window and burst settings live. Zero
// fields keep their current value.
func (p *Pacer) UpdateConfig(cfg Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cfg.MinDelayMs > 0 {
		p.cfg.MinDelayMs = cfg.MinDelayMs
	}
	if cfg.MaxDelayMs > 0 {
		p.cfg.MaxDelayMs = cfg.MaxDelayMs
	}
	if p.cfg.MaxDelayMs < p.cfg.MinDelayMs {
		p.cfg.MaxDelayMs = p.cfg.MinDelayMs
	}
	if cfg.BurstLimit > 0 {
		p.cfg.BurstLimit = cfg.BurstLimit
	}
	if cfg.BurstCooldownMs > 0 {
		p.cfg.BurstCooldownMs = cfg.BurstCooldownMs
	}
}

// SlowDown multiplies the rate multiplier, clamped to [0.5, 5.0].
func (p *Pacer) SlowDown(factor float64) {
	p.scaleMultiplier(factor)
}

// SpeedUp divides the rate multiplier, clamped to [0.5, 5.0].
func (p *Pacer) SpeedUp(factor float64) {
	if factor != 0 {
		p.scaleMultiplier(1 / factor)
	}
}

// ResetRate restores the neutral multiplier.
func (p *Pacer) ResetRate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rateMultiplier = 1.0
}

func (p *Pacer) scaleMultiplier(factor float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.rateMultiplier * factor
	if m < minMultiplier {
		m = minMultiplier
	}
	if m > maxMultiplier {
		m = maxMultiplier
	}
	p.rateMultiplier = m
}

// Stats returns a snapshot for the control API.
func (p *Pacer) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{
		SessionID:       p.sessionID,
		MinDelayMs:      p.cfg.MinDelayMs,
		MaxDelayMs:      p.cfg.MaxDelayMs,
		RPM:             p.rpm,
		BurstLimit:      p.cfg.BurstLimit,
		BurstCooldownMs: p.cfg.BurstCooldownMs,
		RateMultiplier:  p.rateMultiplier,
		SendCount:       p.sendCount,
		TotalSends:      p.totalSends,
		TotalWaitMs:     p.totalWaitMs,
		InBurstCooldown: p.inBurstCooldown,
	}
	if !p.lastSendTime.IsZero() {
		st.LastSendAt = p.lastSendTime.UnixMilli()
	}
	return st
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
