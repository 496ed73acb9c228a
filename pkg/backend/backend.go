// Package backend defines the capability interface every model backend
// implements, plus the adapters for the three backend families Switchboard
// routes between: a local inference server, a cheap OpenAI-compatible cloud
// provider, and an expensive Anthropic "thinking" provider.
//
// New backends are added by implementing Backend, never by branching on a
// backend name elsewhere in the system.
package backend

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// CostClass is the coarse spend tier used for budget governance.
type CostClass int

const (
	CostLocal CostClass = iota // free, local inference
	CostCheapCloud
	CostExpensiveCloud
)

func (c CostClass) String() string {
	switch c {
	case CostLocal:
		return "local"
	case CostCheapCloud:
		return "cheap-cloud"
	case CostExpensiveCloud:
		return "expensive-cloud"
	default:
		return "unknown"
	}
}

// Health is the coarse observed state of a backend.
type Health int

const (
	Healthy Health = iota
	Degraded
	Unavailable
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Message is a single conversational turn handed to a backend.
type Message struct {
	Role    string `json:"role"` // user, assistant
	Content string `json:"content"`
}

// Request holds everything a backend needs for one generation.
type Request struct {
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

// Result is a completed generation.
type Result struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// ErrorKind classifies a backend failure for the fallback loop.
type ErrorKind string

const (
	ErrTimeout     ErrorKind = "timeout"
	ErrRefused     ErrorKind = "refused"
	ErrMalformed   ErrorKind = "malformed-response"
	ErrRateLimited ErrorKind = "rate-limited"
)

// Error is a recoverable backend failure. The scheduler absorbs these via
// the fallback chain; only a Task's final outcome reaches the caller.
type Error struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (HTTP %d): %s", e.Provider, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

// kindFromStatus maps an HTTP status to an error kind.
func kindFromStatus(code int) ErrorKind {
	switch {
	case code == 429:
		return ErrRateLimited
	case code == 408 || code == 504:
		return ErrTimeout
	default:
		return ErrRefused
	}
}

// Backend is the fixed capability set every adapter implements.
type Backend interface {
	// Name returns the backend identifier (e.g. "local", "haiku", "opus").
	Name() string

	// CostClass returns the backend's spend tier.
	CostClass() CostClass

	// Generate runs one completion. Failures are reported as *Error so the
	// scheduler can classify them; ctx carries the per-attempt timeout.
	Generate(ctx context.Context, req Request) (*Result, error)

	// HealthCheck probes the backend. Cloud adapters without a probe
	// endpoint report Healthy and rely on observed failures instead.
	HealthCheck(ctx context.Context) Health
}

// Descriptor is the mutable routing view of a backend: name, cost class,
// concurrency tolerance, and last observed health. Health is written by
// whichever worker most recently finished an attempt (last write wins).
type Descriptor struct {
	Name        string
	Cost        CostClass
	Concurrency int // simultaneous generations the backend tolerates

	mu       sync.Mutex
	health   Health
	observed time.Time
}

// NewDescriptor creates a descriptor starting out healthy.
func NewDescriptor(name string, cost CostClass, concurrency int) *Descriptor {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Descriptor{Name: name, Cost: cost, Concurrency: concurrency}
}

// Health returns the last observed health.
func (d *Descriptor) Health() Health {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.health
}

// SetHealth records an observation.
func (d *Descriptor) SetHealth(h Health) {
	d.mu.Lock()
	d.health = h
	d.observed = time.Now()
	d.mu.Unlock()
}

// Snapshot is the immutable view the Router consumes.
type Snapshot struct {
	Name   string
	Cost   CostClass
	Health Health
}

// Snapshot returns the descriptor's current routing view.
func (d *Descriptor) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Snapshot{Name: d.Name, Cost: d.Cost, Health: d.health}
}
