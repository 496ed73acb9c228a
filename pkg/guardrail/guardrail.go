// Package guardrail bounds cloud spend with sliding-window call counters.
//
// The guardrail is advisory pressure on the Router, never a hard block:
// local/free backends stay eligible even with the cloud budget exhausted.
package guardrail

import (
	"log/slog"
	"sync"
	"time"

	"github.com/switchboard-labs/switchboard/pkg/backend"
)

// Config holds the guardrail limits. Zero-valued caps mean "no cap".
type Config struct {
	// Window is the sliding window over which calls are counted.
	Window time.Duration `json:"window,omitempty"`
	// SoftCapCheap / SoftCapExpensive cap calls per window per class.
	SoftCapCheap     int `json:"soft_cap_cheap,omitempty"`
	SoftCapExpensive int `json:"soft_cap_expensive,omitempty"`
	// SpendCap caps the estimated spend (same window).
	SpendCap float64 `json:"spend_cap,omitempty"`
	// CostPerCheapCall / CostPerExpensiveCall feed the spend estimate.
	CostPerCheapCall     float64 `json:"cost_per_cheap_call,omitempty"`
	CostPerExpensiveCall float64 `json:"cost_per_expensive_call,omitempty"`
}

// DefaultConfig returns limits suitable for a single-operator deployment.
func DefaultConfig() Config {
	return Config{
		Window:               time.Hour,
		SoftCapCheap:         200,
		SoftCapExpensive:     40,
		SpendCap:             5.0,
		CostPerCheapCall:     0.002,
		CostPerExpensiveCall: 0.08,
	}
}

type call struct {
	at    time.Time
	cost  backend.CostClass
	spend float64
}

// Guardrail tracks cloud calls in a sliding window.
type Guardrail struct {
	mu    sync.Mutex
	cfg   Config
	calls []call

	now func() time.Time // test hook
}

// New creates a guardrail with the given config.
func New(cfg Config) *Guardrail {
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	return &Guardrail{cfg: cfg, now: time.Now}
}

// Reconfigure replaces the limits at runtime. Recorded calls are kept.
func (g *Guardrail) Reconfigure(cfg Config) {
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()
	slog.Info("guardrail reconfigured",
		"window", cfg.Window,
		"cap_cheap", cfg.SoftCapCheap,
		"cap_expensive", cfg.SoftCapExpensive,
		"spend_cap", cfg.SpendCap,
	)
}

// Record counts a completed call. Override tasks still call Record; the
// override bypasses restriction, not accounting.
func (g *Guardrail) Record(cost backend.CostClass) {
	if cost == backend.CostLocal {
		return
	}
	var spend float64
	g.mu.Lock()
	switch cost {
	case backend.CostCheapCloud:
		spend = g.cfg.CostPerCheapCall
	case backend.CostExpensiveCloud:
		spend = g.cfg.CostPerExpensiveCall
	}
	g.calls = append(g.calls, call{at: g.now(), cost: cost, spend: spend})
	g.pruneLocked()
	g.mu.Unlock()
}

// ShouldRestrict reports whether the given cost class is over its soft cap
// in the current window. Local is never restricted.
func (g *Guardrail) ShouldRestrict(cost backend.CostClass) bool {
	if cost == backend.CostLocal {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked()

	var count int
	var spend float64
	for _, c := range g.calls {
		spend += c.spend
		if c.cost == cost {
			count++
		}
	}

	if g.cfg.SpendCap > 0 && spend >= g.cfg.SpendCap {
		return true
	}
	switch cost {
	case backend.CostCheapCloud:
		return g.cfg.SoftCapCheap > 0 && count >= g.cfg.SoftCapCheap
	case backend.CostExpensiveCloud:
		return g.cfg.SoftCapExpensive > 0 && count >= g.cfg.SoftCapExpensive
	}
	return false
}

// Stats is the operational snapshot for the status API.
type Stats struct {
	WindowCalls    map[string]int `json:"window_calls"`
	EstimatedSpend float64        `json:"estimated_spend"`
}

// Snapshot returns current window counters.
func (g *Guardrail) Snapshot() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked()

	s := Stats{WindowCalls: map[string]int{}}
	for _, c := range g.calls {
		s.WindowCalls[c.cost.String()]++
		s.EstimatedSpend += c.spend
	}
	return s
}

// pruneLocked drops calls older than the window. Callers hold g.mu.
func (g *Guardrail) pruneLocked() {
	cutoff := g.now().Add(-g.cfg.Window)
	i := 0
	for i < len(g.calls) && g.calls[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		g.calls = append(g.calls[:0], g.calls[i:]...)
	}
}
