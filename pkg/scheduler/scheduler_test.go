package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/switchboard-labs/switchboard/pkg/backend"
	"github.com/switchboard-labs/switchboard/pkg/contextstore"
	"github.com/switchboard-labs/switchboard/pkg/guardrail"
	"github.com/switchboard-labs/switchboard/pkg/router"
)

// fakeBackend scripts generation behavior and records observed load.
type fakeBackend struct {
	name string
	cost backend.CostClass

	generate func(ctx context.Context, req backend.Request) (*backend.Result, error)
	healthFn func() backend.Health

	mu       sync.Mutex
	prompts  []string
	inFlight int32
	maxSeen  int32
}

func (f *fakeBackend) Name() string                 { return f.name }
func (f *fakeBackend) CostClass() backend.CostClass { return f.cost }
func (f *fakeBackend) HealthCheck(context.Context) backend.Health {
	if f.healthFn != nil {
		return f.healthFn()
	}
	return backend.Healthy
}

func (f *fakeBackend) Generate(ctx context.Context, req backend.Request) (*backend.Result, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		max := atomic.LoadInt32(&f.maxSeen)
		if n <= max || atomic.CompareAndSwapInt32(&f.maxSeen, max, n) {
			break
		}
	}
	prompt := req.Messages[len(req.Messages)-1].Content
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	if f.generate != nil {
		return f.generate(ctx, req)
	}
	return &backend.Result{Content: "echo: " + prompt, Model: f.name}, nil
}

func (f *fakeBackend) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.prompts))
	copy(out, f.prompts)
	return out
}

func newTestScheduler(t *testing.T, cfg Config, backends ...*fakeBackend) *Scheduler {
	t.Helper()
	cs, err := contextstore.Open(t.TempDir(), contextstore.Options{})
	if err != nil {
		t.Fatalf("open context store: %v", err)
	}
	t.Cleanup(func() { cs.Close() })

	s := New(cfg, router.New(nil), guardrail.New(guardrail.DefaultConfig()), nil, cs, nil, Hooks{})
	for _, b := range backends {
		s.Register(b, 4)
	}
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

func await(t *testing.T, task *Task) Outcome {
	t.Helper()
	select {
	case <-task.Done():
		return task.Outcome()
	case <-time.After(5 * time.Second):
		t.Fatalf("task %s did not finish", task.ID)
		return Outcome{}
	}
}

func TestCasualChatCompletesOnLocal(t *testing.T) {
	local := &fakeBackend{name: "local", cost: backend.CostLocal}
	cheap := &fakeBackend{name: "cheap-cloud", cost: backend.CostCheapCloud}
	expensive := &fakeBackend{name: "expensive-cloud", cost: backend.CostExpensiveCloud}
	s := newTestScheduler(t, Config{}, local, cheap, expensive)

	task, err := s.Submit("chat-a", router.ProfileCasualChat, router.PrivacyOpen, "hello", false)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	o := await(t, task)
	if o.State != StateSuccess {
		t.Fatalf("state = %s (%v), want success", o.State, o.Err)
	}
	if o.Backend != "local" {
		t.Fatalf("backend = %s, want local", o.Backend)
	}
	if len(cheap.seen())+len(expensive.seen()) != 0 {
		t.Fatal("cloud backends were called for a healthy local route")
	}
}

func TestFIFOWithinChat(t *testing.T) {
	local := &fakeBackend{name: "local", cost: backend.CostLocal}
	local.generate = func(ctx context.Context, req backend.Request) (*backend.Result, error) {
		time.Sleep(10 * time.Millisecond)
		return &backend.Result{Content: "ok"}, nil
	}
	s := newTestScheduler(t, Config{MaxConcurrent: 8}, local)

	var tasks []*Task
	for i := 0; i < 5; i++ {
		task, err := s.Submit("chat-a", router.ProfileCasualChat, router.PrivacyOpen, fmt.Sprintf("msg-%d", i), false)
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		tasks = append(tasks, task)
	}
	for _, task := range tasks {
		await(t, task)
	}

	got := local.seen()
	for i, prompt := range got {
		if want := fmt.Sprintf("msg-%d", i); prompt != want {
			t.Fatalf("dispatch order %v, position %d want %s", got, i, want)
		}
	}
	if max := atomic.LoadInt32(&local.maxSeen); max > 1 {
		t.Fatalf("observed %d concurrent generations within one chat, want 1", max)
	}
}

func TestNoDoubleDispatch(t *testing.T) {
	local := &fakeBackend{name: "local", cost: backend.CostLocal}
	s := newTestScheduler(t, Config{MaxConcurrent: 4}, local)

	const n = 20
	var tasks []*Task
	for i := 0; i < n; i++ {
		task, _ := s.Submit(fmt.Sprintf("chat-%d", i%4), router.ProfileCasualChat, router.PrivacyOpen, fmt.Sprintf("p-%d", i), false)
		tasks = append(tasks, task)
	}
	for _, task := range tasks {
		if o := await(t, task); o.State != StateSuccess {
			t.Fatalf("task state = %s", o.State)
		}
	}
	if got := len(local.seen()); got != n {
		t.Fatalf("backend saw %d calls, want exactly %d", got, n)
	}
}

func TestChatsProgressIndependently(t *testing.T) {
	block := make(chan struct{})
	slow := &fakeBackend{name: "local", cost: backend.CostLocal}
	slow.generate = func(ctx context.Context, req backend.Request) (*backend.Result, error) {
		prompt := req.Messages[len(req.Messages)-1].Content
		if prompt == "slow" {
			<-block
		}
		return &backend.Result{Content: "ok"}, nil
	}
	s := newTestScheduler(t, Config{MaxConcurrent: 4}, slow)

	slowTask, _ := s.Submit("chat-slow", router.ProfileCasualChat, router.PrivacyOpen, "slow", false)
	fastTask, _ := s.Submit("chat-fast", router.ProfileCasualChat, router.PrivacyOpen, "fast", false)

	// The fast chat completes while the slow chat's task is stuck.
	o := await(t, fastTask)
	if o.State != StateSuccess {
		t.Fatalf("fast chat state = %s", o.State)
	}
	close(block)
	await(t, slowTask)
}

func TestGlobalConcurrencyCap(t *testing.T) {
	local := &fakeBackend{name: "local", cost: backend.CostLocal}
	local.generate = func(ctx context.Context, req backend.Request) (*backend.Result, error) {
		time.Sleep(20 * time.Millisecond)
		return &backend.Result{Content: "ok"}, nil
	}
	s := newTestScheduler(t, Config{MaxConcurrent: 2}, local)

	var tasks []*Task
	for i := 0; i < 6; i++ {
		task, _ := s.Submit(fmt.Sprintf("chat-%d", i), router.ProfileCasualChat, router.PrivacyOpen, "go", false)
		tasks = append(tasks, task)
	}
	for _, task := range tasks {
		await(t, task)
	}
	if max := atomic.LoadInt32(&local.maxSeen); max > 2 {
		t.Fatalf("observed %d concurrent generations, cap is 2", max)
	}
}

func TestFallbackTermination(t *testing.T) {
	failing := &fakeBackend{name: "local", cost: backend.CostLocal}
	failing.generate = func(ctx context.Context, req backend.Request) (*backend.Result, error) {
		return nil, &backend.Error{Kind: backend.ErrRefused, Provider: "local", Message: "connection refused"}
	}
	cheap := &fakeBackend{name: "cheap-cloud", cost: backend.CostCheapCloud}
	s := newTestScheduler(t, Config{}, failing, cheap)

	task, _ := s.Submit("chat-a", router.ProfileCasualChat, router.PrivacyOpen, "hello", false)
	o := await(t, task)
	if o.State != StateSuccess {
		t.Fatalf("state = %s (%v), want success via fallback", o.State, o.Err)
	}
	if o.Backend != "cheap-cloud" {
		t.Fatalf("backend = %s, want cheap-cloud", o.Backend)
	}

	// The failing backend is marked degraded for subsequent routing.
	for _, snap := range s.Backends() {
		if snap.Name == "local" && snap.Health != backend.Degraded {
			t.Fatalf("local health = %s, want degraded", snap.Health)
		}
	}
}

func TestExhaustedFallbackDoesNotBlockChat(t *testing.T) {
	var calls atomic.Int32
	flaky := &fakeBackend{name: "local", cost: backend.CostLocal}
	flaky.generate = func(ctx context.Context, req backend.Request) (*backend.Result, error) {
		if calls.Add(1) == 1 {
			return nil, &backend.Error{Kind: backend.ErrTimeout, Provider: "local", Message: "deadline"}
		}
		return &backend.Result{Content: "ok"}, nil
	}
	s := newTestScheduler(t, Config{MaxAttempts: 1}, flaky)

	first, _ := s.Submit("chat-a", router.ProfileCasualChat, router.PrivacyOpen, "one", false)
	second, _ := s.Submit("chat-a", router.ProfileCasualChat, router.PrivacyOpen, "two", false)

	o1 := await(t, first)
	if o1.State != StateExhaustedFallback {
		t.Fatalf("first task state = %s, want exhausted-fallback", o1.State)
	}
	if !errors.Is(o1.Err, ErrExhaustedFallback) {
		t.Fatalf("first task err = %v, want ErrExhaustedFallback", o1.Err)
	}

	// The chat's next task proceeds normally.
	o2 := await(t, second)
	if o2.State != StateSuccess {
		t.Fatalf("second task state = %s (%v), want success", o2.State, o2.Err)
	}
}

func TestLocalOnlyWithNoLocalBackend(t *testing.T) {
	expensive := &fakeBackend{name: "expensive-cloud", cost: backend.CostExpensiveCloud}
	s := newTestScheduler(t, Config{}, expensive)

	task, _ := s.Submit("chat-b", router.ProfileSecuritySensitive, router.PrivacyLocalOnly, "secret", false)
	o := await(t, task)
	if o.State != StateNoEligibleBackend {
		t.Fatalf("state = %s, want no-eligible-backend", o.State)
	}
	var nee *router.NoEligibleBackendError
	if !errors.As(o.Err, &nee) || nee.Reason != router.ReasonPrivacyRestricted {
		t.Fatalf("err = %v, want privacy-restricted", o.Err)
	}
	if len(expensive.seen()) != 0 {
		t.Fatal("cloud backend was called for a local-only task")
	}
}

func TestSuccessfulExchangeAppendsContext(t *testing.T) {
	cs, err := contextstore.Open(t.TempDir(), contextstore.Options{})
	if err != nil {
		t.Fatalf("open context store: %v", err)
	}
	t.Cleanup(func() { cs.Close() })

	local := &fakeBackend{name: "local", cost: backend.CostLocal}
	s := New(Config{}, router.New(nil), guardrail.New(guardrail.DefaultConfig()), nil, cs, nil, Hooks{})
	s.Register(local, 1)
	s.Start()
	t.Cleanup(s.Stop)

	task, _ := s.Submit("chat-a", router.ProfileCasualChat, router.PrivacyOpen, "hello", false)
	await(t, task)

	v := cs.Get("chat-a", 0)
	if len(v.Turns) != 2 {
		t.Fatalf("context turns = %d, want user+assistant", len(v.Turns))
	}
	if v.Turns[0].Role != "user" || v.Turns[1].Role != "assistant" {
		t.Fatalf("turn roles = %s/%s", v.Turns[0].Role, v.Turns[1].Role)
	}
}

func TestCancelQueuedTask(t *testing.T) {
	block := make(chan struct{})
	local := &fakeBackend{name: "local", cost: backend.CostLocal}
	local.generate = func(ctx context.Context, req backend.Request) (*backend.Result, error) {
		<-block
		return &backend.Result{Content: "ok"}, nil
	}
	s := newTestScheduler(t, Config{}, local)

	running, _ := s.Submit("chat-a", router.ProfileCasualChat, router.PrivacyOpen, "first", false)
	queued, _ := s.Submit("chat-a", router.ProfileCasualChat, router.PrivacyOpen, "second", false)

	// Give the first task time to enter the backend.
	time.Sleep(20 * time.Millisecond)
	if !s.Cancel(queued.ID) {
		t.Fatal("cancel of queued task failed")
	}
	o := await(t, queued)
	if o.State != StateCancelled || !errors.Is(o.Err, ErrCancelled) {
		t.Fatalf("cancelled task outcome = %+v", o)
	}

	close(block)
	if o := await(t, running); o.State != StateSuccess {
		t.Fatalf("running task state = %s", o.State)
	}
	if got := local.seen(); len(got) != 1 {
		t.Fatalf("backend calls = %v, cancelled task must not dispatch", got)
	}
}

func TestRepeatedHardFailuresDemoteToUnavailable(t *testing.T) {
	dead := &fakeBackend{name: "local", cost: backend.CostLocal}
	dead.generate = func(ctx context.Context, req backend.Request) (*backend.Result, error) {
		return nil, &backend.Error{Kind: backend.ErrRefused, Provider: "local", Message: "connection refused"}
	}
	cloud := &fakeBackend{name: "cheap-cloud", cost: backend.CostCheapCloud}
	s := newTestScheduler(t, Config{}, dead, cloud)

	for i := 0; i < unavailableAfter+2; i++ {
		task, err := s.Submit("chat-a", router.ProfileCasualChat, router.PrivacyOpen, fmt.Sprintf("msg-%d", i), false)
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		if o := await(t, task); o.State != StateSuccess {
			t.Fatalf("task %d state = %s", i, o.State)
		}
	}

	// One failed attempt per task until the demotion threshold, then the
	// dead backend stops appearing in routing chains.
	if got := len(dead.seen()); got != unavailableAfter {
		t.Fatalf("dead backend attempts = %d, want %d", got, unavailableAfter)
	}
	for _, snap := range s.Backends() {
		if snap.Name == "local" && snap.Health != backend.Unavailable {
			t.Fatalf("local health = %s, want unavailable", snap.Health)
		}
	}
}

func TestRateLimitedDoesNotDemoteToUnavailable(t *testing.T) {
	busy := &fakeBackend{name: "local", cost: backend.CostLocal}
	busy.generate = func(ctx context.Context, req backend.Request) (*backend.Result, error) {
		return nil, &backend.Error{Kind: backend.ErrRateLimited, Provider: "local", StatusCode: 429}
	}
	cloud := &fakeBackend{name: "cheap-cloud", cost: backend.CostCheapCloud}
	s := newTestScheduler(t, Config{}, busy, cloud)

	const tasks = unavailableAfter + 3
	for i := 0; i < tasks; i++ {
		task, _ := s.Submit("chat-a", router.ProfileCasualChat, router.PrivacyOpen, fmt.Sprintf("msg-%d", i), false)
		await(t, task)
	}

	// Rate limiting excludes a backend for the current task only; every
	// later task must re-evaluate it.
	if got := len(busy.seen()); got != tasks {
		t.Fatalf("rate-limited backend attempts = %d, want %d", got, tasks)
	}
	for _, snap := range s.Backends() {
		if snap.Name == "local" && snap.Health == backend.Unavailable {
			t.Fatal("rate-limited backend must not be demoted to unavailable")
		}
	}
}

func TestProbeMarksDownAndRestoresBackend(t *testing.T) {
	var down int32
	b := &fakeBackend{name: "local", cost: backend.CostLocal}
	b.healthFn = func() backend.Health {
		if atomic.LoadInt32(&down) == 1 {
			return backend.Unavailable
		}
		return backend.Healthy
	}
	s := newTestScheduler(t, Config{}, b)

	atomic.StoreInt32(&down, 1)
	s.probeBackends()
	if snaps := s.Backends(); snaps[0].Health != backend.Unavailable {
		t.Fatalf("health after failing probe = %s, want unavailable", snaps[0].Health)
	}

	atomic.StoreInt32(&down, 0)
	s.probeBackends()
	if snaps := s.Backends(); snaps[0].Health != backend.Healthy {
		t.Fatalf("health after passing probe = %s, want healthy", snaps[0].Health)
	}

	// Recovered backend serves tasks again.
	task, _ := s.Submit("chat-a", router.ProfileCasualChat, router.PrivacyOpen, "hello", false)
	if o := await(t, task); o.State != StateSuccess || o.Backend != "local" {
		t.Fatalf("outcome after recovery = %+v", o)
	}
}
