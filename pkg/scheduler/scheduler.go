// Package scheduler owns task admission and dispatch.
//
// Each chat gets one FIFO queue with at most one generation in flight;
// independent chats progress concurrently under a global semaphore.
// The scheduler drives the fallback chain for every task: route once,
// walk candidates with a per-attempt timeout, and report only the final
// outcome to the submitter.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/switchboard-labs/switchboard/pkg/backend"
	"github.com/switchboard-labs/switchboard/pkg/contextstore"
	"github.com/switchboard-labs/switchboard/pkg/feedback"
	"github.com/switchboard-labs/switchboard/pkg/guardrail"
	"github.com/switchboard-labs/switchboard/pkg/router"
)

// ErrExhaustedFallback reports that every routed candidate failed. Fatal
// for the task, never for its chat queue.
var ErrExhaustedFallback = errors.New("all backend candidates failed")

// ErrCancelled reports a task cancelled before dispatch.
var ErrCancelled = errors.New("task cancelled")

// Outcome states reported to the submitter.
const (
	StateSuccess           = "success"
	StateNoEligibleBackend = "no-eligible-backend"
	StateExhaustedFallback = "exhausted-fallback"
	StateCancelled         = "cancelled"
)

// Outcome is a task's terminal result.
type Outcome struct {
	State   string
	Backend string // backend that produced the answer, success only
	Content string
	Err     error
}

// Task is one unit of work bound to a single chat.
type Task struct {
	ID           string
	ChatID       string
	Profile      string
	Privacy      router.Privacy
	Prompt       string
	CostOverride bool
	Seq          uint64
	SubmittedAt  time.Time

	attempts int // owned by the single worker running the task

	mu        sync.Mutex
	outcome   Outcome
	cancelled bool
	done      chan struct{}
}

// Done is closed once the task reaches a terminal outcome.
func (t *Task) Done() <-chan struct{} { return t.done }

// Outcome returns the terminal result. Valid after Done is closed.
func (t *Task) Outcome() Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome
}

func (t *Task) complete(o Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.done:
		return // already terminal
	default:
	}
	t.outcome = o
	close(t.done)
}

// Retriever augments prompts with long-term memory snippets. May be nil.
type Retriever interface {
	Retrieve(ctx context.Context, chatID, query string) []string
}

// Hooks lets the daemon observe task lifecycle without the scheduler
// depending on metrics or event-bus packages. All fields optional.
type Hooks struct {
	OnAttempt func(task *Task, backendName string, err error)
	OnDone    func(task *Task, o Outcome)
}

// Config bounds dispatch.
type Config struct {
	MaxConcurrent  int           `json:"max_concurrent,omitempty"`
	MaxAttempts    int           `json:"max_attempts,omitempty"`
	AttemptTimeout time.Duration `json:"attempt_timeout,omitempty"`
	TaskDeadline   time.Duration `json:"task_deadline,omitempty"`
	ContextTurns   int           `json:"context_turns,omitempty"`   // most recent history turns sent per request
	HealthInterval time.Duration `json:"health_interval,omitempty"` // backend probe cadence
}

func (c *Config) fill() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 2 * time.Minute
	}
	if c.TaskDeadline <= 0 {
		c.TaskDeadline = 5 * time.Minute
	}
	if c.ContextTurns <= 0 {
		c.ContextTurns = 32
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
}

// unavailableAfter is how many consecutive hard failures demote a
// backend from degraded to unavailable. Rate limiting does not count;
// it is load pressure, not an outage.
const unavailableAfter = 3

type registered struct {
	impl backend.Backend
	desc *backend.Descriptor
	sem  *semaphore.Weighted

	failMu   sync.Mutex
	failures int // consecutive hard failures
}

func (r *registered) observeSuccess() {
	r.failMu.Lock()
	r.failures = 0
	r.failMu.Unlock()
	r.desc.SetHealth(backend.Healthy)
}

func (r *registered) observeFailure(kind backend.ErrorKind) {
	if kind == backend.ErrRateLimited {
		r.desc.SetHealth(backend.Degraded)
		return
	}
	r.failMu.Lock()
	r.failures++
	n := r.failures
	r.failMu.Unlock()
	if n >= unavailableAfter {
		r.desc.SetHealth(backend.Unavailable)
	} else {
		r.desc.SetHealth(backend.Degraded)
	}
}

type chatQueue struct {
	tasks    []*Task
	inFlight bool
	queued   bool // present in the ready ring
	nextSeq  uint64
}

// Scheduler dispatches tasks across chats.
type Scheduler struct {
	cfg       Config
	router    *router.Router
	guard     *guardrail.Guardrail
	feedback  *feedback.Store
	contexts  *contextstore.Store
	retriever Retriever
	hooks     Hooks

	sem *semaphore.Weighted

	mu       sync.Mutex
	cond     *sync.Cond
	backends map[string]*registered
	queues   map[string]*chatQueue
	ready    []string // chats with waiting work, round-robin order
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. The feedback store and retriever may be nil.
func New(cfg Config, rt *router.Router, g *guardrail.Guardrail, fb *feedback.Store, cs *contextstore.Store, retriever Retriever, hooks Hooks) *Scheduler {
	cfg.fill()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:       cfg,
		router:    rt,
		guard:     g,
		feedback:  fb,
		contexts:  cs,
		retriever: retriever,
		hooks:     hooks,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		backends:  map[string]*registered{},
		queues:    map[string]*chatQueue{},
		ctx:       ctx,
		cancel:    cancel,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Register adds a backend to the fleet. Concurrency is how many
// simultaneous generations the backend tolerates.
func (s *Scheduler) Register(b backend.Backend, concurrency int) {
	if concurrency <= 0 {
		concurrency = 1
	}
	s.mu.Lock()
	s.backends[b.Name()] = &registered{
		impl: b,
		desc: backend.NewDescriptor(b.Name(), b.CostClass(), concurrency),
		sem:  semaphore.NewWeighted(int64(concurrency)),
	}
	s.mu.Unlock()
	slog.Info("backend registered", "backend", b.Name(), "cost", b.CostClass(), "concurrency", concurrency)
}

// Start launches the dispatch loop and the backend health prober.
func (s *Scheduler) Start() {
	s.wg.Add(2)
	go s.dispatch()
	go s.probeLoop()
}

func (s *Scheduler) probeLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.probeBackends()
		}
	}
}

// probeBackends runs every adapter's health check and reconciles the
// descriptors. A passing probe clears an unavailable verdict so a
// recovered backend re-enters routing; observed-failure demotion to
// degraded is left to the attempt path.
func (s *Scheduler) probeBackends() {
	s.mu.Lock()
	regs := make([]*registered, 0, len(s.backends))
	for _, r := range s.backends {
		regs = append(regs, r)
	}
	s.mu.Unlock()

	for _, r := range regs {
		ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
		probed := r.impl.HealthCheck(ctx)
		cancel()

		switch probed {
		case backend.Unavailable:
			r.desc.SetHealth(backend.Unavailable)
		case backend.Healthy:
			if r.desc.Health() == backend.Unavailable {
				r.failMu.Lock()
				r.failures = 0
				r.failMu.Unlock()
				r.desc.SetHealth(backend.Healthy)
				slog.Info("backend recovered", "backend", r.desc.Name)
			}
		}
	}
}

// Stop halts dispatch. Queued tasks complete as cancelled; the in-flight
// ones run to completion.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	var orphans []*Task
	for _, q := range s.queues {
		orphans = append(orphans, q.tasks...)
		q.tasks = nil
	}
	s.mu.Unlock()
	s.cond.Broadcast()
	s.cancel()
	for _, t := range orphans {
		t.complete(Outcome{State: StateCancelled, Err: ErrCancelled})
	}
	s.wg.Wait()
}

// Submit admits a task for a chat and returns its handle. The caller
// waits on Done or polls Outcome.
func (s *Scheduler) Submit(chatID, profile string, privacy router.Privacy, prompt string, costOverride bool) (*Task, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, errors.New("scheduler stopped")
	}
	q := s.queues[chatID]
	if q == nil {
		q = &chatQueue{}
		s.queues[chatID] = q
	}
	q.nextSeq++
	t := &Task{
		ID:           uuid.NewString(),
		ChatID:       chatID,
		Profile:      profile,
		Privacy:      privacy,
		Prompt:       prompt,
		CostOverride: costOverride,
		Seq:          q.nextSeq,
		SubmittedAt:  time.Now(),
		done:         make(chan struct{}),
	}
	q.tasks = append(q.tasks, t)
	s.markReadyLocked(chatID, q)
	s.mu.Unlock()
	s.cond.Signal()

	slog.Debug("task submitted", "task", t.ID, "chat", chatID, "profile", profile, "seq", t.Seq)
	return t, nil
}

// Cancel removes a queued task. In-flight tasks are not interrupted.
func (s *Scheduler) Cancel(taskID string) bool {
	s.mu.Lock()
	var target *Task
	for _, q := range s.queues {
		for i, t := range q.tasks {
			if t.ID == taskID {
				q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
				target = t
				break
			}
		}
		if target != nil {
			break
		}
	}
	s.mu.Unlock()
	if target == nil {
		return false
	}
	target.complete(Outcome{State: StateCancelled, Err: ErrCancelled})
	if s.hooks.OnDone != nil {
		s.hooks.OnDone(target, target.Outcome())
	}
	return true
}

// ChatStatus describes one chat's queue.
type ChatStatus struct {
	Queued   int  `json:"queued"`
	InFlight bool `json:"in_flight"`
}

// Status reports queue state for one chat.
func (s *Scheduler) Status(chatID string) ChatStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[chatID]
	if q == nil {
		return ChatStatus{}
	}
	return ChatStatus{Queued: len(q.tasks), InFlight: q.inFlight}
}

// Backends returns current descriptor snapshots.
func (s *Scheduler) Backends() []backend.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotsLocked()
}

func (s *Scheduler) snapshotsLocked() []backend.Snapshot {
	snaps := make([]backend.Snapshot, 0, len(s.backends))
	for _, r := range s.backends {
		snaps = append(snaps, r.desc.Snapshot())
	}
	return snaps
}

// markReadyLocked queues the chat for dispatch unless it is already
// waiting or has a generation in flight.
func (s *Scheduler) markReadyLocked(chatID string, q *chatQueue) {
	if q.queued || q.inFlight || len(q.tasks) == 0 {
		return
	}
	q.queued = true
	s.ready = append(s.ready, chatID)
}

// dispatch pops the next ready chat round-robin and hands its head task
// to a worker. One pop per chat per pass keeps chats fair under load.
func (s *Scheduler) dispatch() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for len(s.ready) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if s.stopped {
			s.mu.Unlock()
			return
		}
		chatID := s.ready[0]
		s.ready = s.ready[1:]
		q := s.queues[chatID]
		q.queued = false
		if q.inFlight || len(q.tasks) == 0 {
			s.mu.Unlock()
			continue
		}
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.inFlight = true
		s.mu.Unlock()

		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			task.complete(Outcome{State: StateCancelled, Err: ErrCancelled})
			s.finish(chatID)
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			s.run(task)
			s.finish(chatID)
		}()
	}
}

// finish clears a chat's in-flight mark and requeues it if more work waits.
func (s *Scheduler) finish(chatID string) {
	s.mu.Lock()
	q := s.queues[chatID]
	q.inFlight = false
	s.markReadyLocked(chatID, q)
	s.mu.Unlock()
	s.cond.Signal()
}

// run executes one task end to end: route once, walk the fallback
// chain, commit the exchange on success.
func (s *Scheduler) run(task *Task) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.TaskDeadline)
	defer cancel()

	order, err := s.route(task)
	if err != nil {
		slog.Warn("routing dead-end", "task", task.ID, "chat", task.ChatID, "error", err)
		s.done(task, Outcome{State: StateNoEligibleBackend, Err: err})
		return
	}

	view := s.contexts.Get(task.ChatID, s.cfg.ContextTurns)
	req := s.buildRequest(ctx, task, view)

	for _, name := range order {
		if task.attempts >= s.cfg.MaxAttempts {
			break
		}
		if ctx.Err() != nil {
			// Wall-clock ceiling: equivalent to exhausting the chain.
			break
		}
		s.mu.Lock()
		r := s.backends[name]
		s.mu.Unlock()
		if r == nil {
			continue
		}

		if err := r.sem.Acquire(ctx, 1); err != nil {
			break
		}
		task.attempts++
		attemptCtx, acancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
		res, err := r.impl.Generate(attemptCtx, req)
		acancel()
		r.sem.Release(1)

		s.guard.Record(r.desc.Cost)
		if s.hooks.OnAttempt != nil {
			s.hooks.OnAttempt(task, name, err)
		}

		if err == nil {
			r.observeSuccess()
			s.commit(ctx, task, res)
			s.done(task, Outcome{State: StateSuccess, Backend: name, Content: res.Content})
			return
		}

		// A failed attempt degrades the backend and moves on. Rate
		// limiting excludes the backend for this task only; the next
		// task re-evaluates health fresh. Repeated hard failures demote
		// the backend to unavailable so later tasks stop trying it.
		var berr *backend.Error
		kind := "unknown"
		if errors.As(err, &berr) {
			kind = string(berr.Kind)
		}
		r.observeFailure(backend.ErrorKind(kind))
		slog.Warn("backend attempt failed",
			"task", task.ID, "backend", name, "kind", kind, "attempt", task.attempts, "error", err)
	}

	s.done(task, Outcome{
		State: StateExhaustedFallback,
		Err:   fmt.Errorf("%w after %d attempts", ErrExhaustedFallback, task.attempts),
	})
}

// route samples backend health, feedback scores, and guardrail pressure,
// then asks the router for this task's chain. Called once per task so
// retries inside a task share one ordering while the next task observes
// fresh state.
func (s *Scheduler) route(task *Task) ([]string, error) {
	s.mu.Lock()
	snaps := s.snapshotsLocked()
	s.mu.Unlock()

	var scores map[string]float64
	if s.feedback != nil {
		scores = s.feedback.Scores(task.Profile)
	}
	restricted := map[backend.CostClass]bool{
		backend.CostCheapCloud:     s.guard.ShouldRestrict(backend.CostCheapCloud),
		backend.CostExpensiveCloud: s.guard.ShouldRestrict(backend.CostExpensiveCloud),
	}
	return s.router.Route(router.Request{
		Profile:      task.Profile,
		Privacy:      task.Privacy,
		CostOverride: task.CostOverride,
		Backends:     snaps,
		Scores:       scores,
		Restricted:   restricted,
	})
}

// buildRequest assembles the generation request from the chat's isolated
// history plus the new prompt. Long-term memory snippets, when a
// retriever is wired and the task is not local-only, join the system
// prompt.
func (s *Scheduler) buildRequest(ctx context.Context, task *Task, view contextstore.View) backend.Request {
	var system string
	if view.Summary != "" {
		system = "Earlier conversation summary:\n" + view.Summary
	}
	if s.retriever != nil && task.Privacy != router.PrivacyLocalOnly {
		if snippets := s.retriever.Retrieve(ctx, task.ChatID, task.Prompt); len(snippets) > 0 {
			if system != "" {
				system += "\n\n"
			}
			system += "Relevant notes:\n"
			for _, sn := range snippets {
				system += "- " + sn + "\n"
			}
		}
	}

	msgs := make([]backend.Message, 0, len(view.Turns)+1)
	for _, t := range view.Turns {
		msgs = append(msgs, backend.Message{Role: t.Role, Content: t.Text})
	}
	msgs = append(msgs, backend.Message{Role: "user", Content: task.Prompt})
	return backend.Request{System: system, Messages: msgs}
}

// commit appends the completed exchange to the chat's context and folds
// history when it has grown past the summarization threshold.
func (s *Scheduler) commit(ctx context.Context, task *Task, res *backend.Result) {
	s.contexts.Append(task.ChatID, contextstore.Turn{
		Role: "user", Text: task.Prompt, Timestamp: task.SubmittedAt,
	})
	s.contexts.Append(task.ChatID, contextstore.Turn{
		Role: "assistant", Text: res.Content, Timestamp: time.Now(),
	})
	s.contexts.SummarizeIfNeeded(ctx, task.ChatID)
}

func (s *Scheduler) done(task *Task, o Outcome) {
	task.complete(o)
	if s.hooks.OnDone != nil {
		s.hooks.OnDone(task, o)
	}
}
