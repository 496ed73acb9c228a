// Package daemon wires the routing core to its transports: it builds
// the backend fleet from config, owns the scheduler, and exposes the
// HTTP operator API plus the Matrix channel.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/switchboard-labs/switchboard/internal/channel/matrix"
	"github.com/switchboard-labs/switchboard/internal/metrics"
	"github.com/switchboard-labs/switchboard/pkg/backend"
	"github.com/switchboard-labs/switchboard/pkg/channel"
	"github.com/switchboard-labs/switchboard/pkg/contextstore"
	"github.com/switchboard-labs/switchboard/pkg/feedback"
	"github.com/switchboard-labs/switchboard/pkg/guardrail"
	"github.com/switchboard-labs/switchboard/pkg/memory"
	"github.com/switchboard-labs/switchboard/pkg/router"
	"github.com/switchboard-labs/switchboard/pkg/scheduler"
)

// Daemon is the composed system.
type Daemon struct {
	cfg *Config

	contexts *contextstore.Store
	ratings  *feedback.Store
	guard    *guardrail.Guardrail
	rt       *router.Router
	sched    *scheduler.Scheduler
	bus      *EventBus

	local        *backend.LocalBackend
	costOf       map[string]backend.CostClass
	summarizeVia backend.Backend

	memStore *memory.Store
	memSync  *memory.SyncWorker

	chans []channel.Channel

	tasksMu sync.Mutex
	tasks   map[string]*scheduler.Task
}

// New builds the daemon from config. Storage is opened here; transports
// connect in Run.
func New(cfg *Config) (*Daemon, error) {
	d := &Daemon{
		cfg:    cfg,
		guard:  guardrail.New(cfg.Guardrail),
		rt:     router.New(nil),
		bus:    NewEventBus(),
		costOf: map[string]backend.CostClass{},
		tasks:  map[string]*scheduler.Task{},
	}

	ratings, err := feedback.Open(cfg.DataDir, feedback.Options{})
	if err != nil {
		return nil, fmt.Errorf("open feedback store: %w", err)
	}
	d.ratings = ratings

	contexts, err := contextstore.Open(cfg.DataDir, contextstore.Options{
		SummarizeAfter: cfg.Context.SummarizeAfter,
		KeepRecent:     cfg.Context.KeepRecent,
		Summarizer:     d.summarize,
	})
	if err != nil {
		ratings.Close()
		return nil, fmt.Errorf("open context store: %w", err)
	}
	d.contexts = contexts

	backends := d.buildBackends()
	if len(backends) == 0 {
		contexts.Close()
		ratings.Close()
		return nil, errors.New("no backends configured")
	}

	var recall scheduler.Retriever
	if cfg.Memory.Enabled && cfg.Memory.PostgresURL != "" && cfg.Memory.EmbedURL != "" {
		store, err := memory.NewStore(context.Background(), cfg.Memory.PostgresURL)
		if err != nil {
			slog.Warn("long-term memory disabled", "error", err)
		} else if err := store.Init(context.Background()); err != nil {
			slog.Warn("long-term memory disabled", "error", err)
			store.Close()
		} else {
			client := memory.NewEmbedClient(cfg.Memory.EmbedURL)
			d.memStore = store
			d.memSync = memory.NewSyncWorker(contexts, store, client,
				cfg.Memory.SyncIntervalDuration(), cfg.Memory.BatchSize)
			recall = memory.New(store, client, 5)
		}
	}

	d.sched = scheduler.New(cfg.Scheduler, d.rt, d.guard, ratings, contexts, recall, scheduler.Hooks{
		OnAttempt: d.onAttempt,
		OnDone:    d.onDone,
	})
	for _, b := range backends {
		d.sched.Register(b.impl, b.concurrency)
		d.costOf[b.impl.Name()] = b.impl.CostClass()
	}

	return d, nil
}

type builtBackend struct {
	impl        backend.Backend
	concurrency int
}

// buildBackends instantiates the configured fleet. Slots without
// credentials or endpoints are skipped, and the first cheap or local
// backend doubles as the summarization model.
func (d *Daemon) buildBackends() []builtBackend {
	var out []builtBackend

	if c := d.cfg.Backends.Local; c.BaseURL != "" && c.Model != "" {
		d.local = backend.NewLocal(c.Name, c.BaseURL, c.Model, c.MinDwellDuration())
		out = append(out, builtBackend{d.local, c.Concurrency})
	}
	if c := d.cfg.Backends.Cheap; c.APIKey != "" && c.BaseURL != "" {
		b := backend.NewOpenAICompat(c.Name, c.BaseURL, c.APIKey, c.Model)
		out = append(out, builtBackend{b, c.Concurrency})
		if d.summarizeVia == nil {
			d.summarizeVia = b
		}
	}
	if c := d.cfg.Backends.Expensive; c.APIKey != "" {
		b := backend.NewAnthropic(c.Name, c.APIKey, c.Model)
		out = append(out, builtBackend{b, c.Concurrency})
	}
	if d.summarizeVia == nil && d.local != nil {
		d.summarizeVia = d.local
	}
	return out
}

// summarize condenses older turns via the summarization backend. The
// context store falls back to truncation when this fails.
func (d *Daemon) summarize(ctx context.Context, previous string, older []contextstore.Turn) (string, error) {
	if d.summarizeVia == nil {
		return "", errors.New("no summarization backend")
	}

	var b strings.Builder
	if previous != "" {
		b.WriteString("Previous summary:\n")
		b.WriteString(previous)
		b.WriteString("\n\n")
	}
	b.WriteString("Conversation to fold in:\n")
	for _, t := range older {
		b.WriteString(t.Role)
		b.WriteString(": ")
		b.WriteString(t.Text)
		b.WriteString("\n")
	}

	sctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	res, err := d.summarizeVia.Generate(sctx, backend.Request{
		System: "Condense the conversation below into a short factual summary. Keep names, decisions, and open questions. Reply with the summary only.",
		Messages: []backend.Message{
			{Role: "user", Content: b.String()},
		},
		MaxTokens: 512,
	})
	if err != nil {
		return "", err
	}
	return res.Content, nil
}

// --- Scheduler hooks ---

func (d *Daemon) onAttempt(task *scheduler.Task, backendName string, err error) {
	result := "ok"
	if err != nil {
		var berr *backend.Error
		if errors.As(err, &berr) {
			result = string(berr.Kind)
		} else {
			result = "error"
		}
	}
	metrics.AttemptsTotal.WithLabelValues(backendName, result).Inc()
	if cost, ok := d.costOf[backendName]; ok && cost != backend.CostLocal {
		metrics.CloudCallsTotal.WithLabelValues(cost.String()).Inc()
	}
	d.bus.Publish(Event{
		Type:    EventAttempt,
		TaskID:  task.ID,
		ChatID:  task.ChatID,
		Backend: backendName,
		Outcome: result,
	})
}

func (d *Daemon) onDone(task *scheduler.Task, o scheduler.Outcome) {
	metrics.TasksTotal.WithLabelValues(o.State, task.Profile).Inc()
	metrics.TasksInFlight.Dec()
	metrics.TaskDuration.WithLabelValues(o.State).Observe(time.Since(task.SubmittedAt).Seconds())
	metrics.QueueDepth.WithLabelValues(task.ChatID).Set(float64(d.sched.Status(task.ChatID).Queued))
	ev := Event{
		Type:    EventOutcome,
		TaskID:  task.ID,
		ChatID:  task.ChatID,
		Profile: task.Profile,
		Backend: o.Backend,
		Outcome: o.State,
	}
	if o.Err != nil {
		ev.Message = o.Err.Error()
	}
	d.bus.Publish(ev)
	d.retireTask(task.ID, taskRetention)
}

// taskRetention is how long a terminal task stays pollable over HTTP
// before it is evicted. Polling it sooner removes it immediately.
const taskRetention = 5 * time.Minute

func (d *Daemon) retireTask(id string, after time.Duration) {
	time.AfterFunc(after, func() {
		d.tasksMu.Lock()
		delete(d.tasks, id)
		d.tasksMu.Unlock()
	})
}

// admitted records a freshly submitted task on the metrics and the
// operator event stream.
func (d *Daemon) admitted(task *scheduler.Task) {
	metrics.TasksInFlight.Inc()
	metrics.QueueDepth.WithLabelValues(task.ChatID).Set(float64(d.sched.Status(task.ChatID).Queued))
	d.bus.Publish(Event{
		Type: EventSubmitted, TaskID: task.ID, ChatID: task.ChatID, Profile: task.Profile,
	})
}

// --- Message handling ---

// Chat directives let users adjust a single message's routing:
// "!private" forces local-only, "!spend" accepts cloud cost.
const (
	directivePrivate = "!private"
	directiveSpend   = "!spend"
)

func (d *Daemon) handleMessage(ctx context.Context, ch channel.Channel, msg channel.Message) error {
	content := strings.TrimSpace(msg.Content)

	var localOnly, costOverride bool
	for {
		switch {
		case strings.HasPrefix(content, directivePrivate):
			localOnly = true
			content = strings.TrimSpace(strings.TrimPrefix(content, directivePrivate))
			continue
		case strings.HasPrefix(content, directiveSpend):
			costOverride = true
			content = strings.TrimSpace(strings.TrimPrefix(content, directiveSpend))
			continue
		}
		break
	}
	if content == "" {
		return nil
	}

	profile := classifyProfile(content)
	privacy := router.DefaultPrivacy(profile)
	if localOnly {
		privacy = router.PrivacyLocalOnly
	}

	task, err := d.sched.Submit(msg.ChatID, profile, privacy, content, costOverride)
	if err != nil {
		return err
	}
	d.admitted(task)

	// Submit happens on the transport's delivery goroutine so per-room
	// message order is preserved; waiting for the outcome must not,
	// or one chat's generation stalls delivery for every other room.
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-task.Done():
		}
		if err := ch.Send(ctx, channel.Response{
			ChatID:  msg.ChatID,
			Content: userFacingReply(task.Outcome()),
		}); err != nil {
			slog.Warn("reply send failed", "chat_id", msg.ChatID, "error", err)
		}
	}()
	return nil
}

// userFacingReply renders a terminal outcome. Fatal failures stay
// distinguishable because the remediation differs: change privacy,
// wait, or accept the cost.
func userFacingReply(o scheduler.Outcome) string {
	switch o.State {
	case scheduler.StateSuccess:
		return o.Content
	case scheduler.StateNoEligibleBackend:
		var nee *router.NoEligibleBackendError
		if errors.As(o.Err, &nee) {
			switch nee.Reason {
			case router.ReasonPrivacyRestricted:
				return "*(No backend is available at this privacy level. Local inference is down; resend without !private to allow cloud models.)*"
			case router.ReasonCostRestricted:
				return "*(Cloud budget is exhausted for now. Resend with !spend to accept the cost, or wait for the window to roll over.)*"
			}
		}
		return "*(All backends are unavailable right now. Please try again shortly.)*"
	case scheduler.StateExhaustedFallback:
		return "*(Every backend attempt failed or timed out. Please try again shortly.)*"
	case scheduler.StateCancelled:
		return "*(Request cancelled.)*"
	default:
		return "*(Request ended unexpectedly.)*"
	}
}

// --- HTTP API ---

type submitRequest struct {
	ChatID       string `json:"chat_id"`
	Content      string `json:"content"`
	Profile      string `json:"profile,omitempty"`
	Privacy      string `json:"privacy,omitempty"`
	CostOverride bool   `json:"cost_override,omitempty"`
	Wait         bool   `json:"wait,omitempty"`
}

type taskResponse struct {
	TaskID  string `json:"task_id"`
	State   string `json:"state"`
	Backend string `json:"backend,omitempty"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (d *Daemon) httpHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", d.handleHealth)
	mux.HandleFunc("GET /v1/status", d.handleStatus)
	mux.HandleFunc("POST /v1/submit", d.handleSubmit)
	mux.HandleFunc("GET /v1/tasks/{id}", d.handleTask)
	mux.HandleFunc("POST /v1/tasks/{id}/cancel", d.handleCancel)
	mux.HandleFunc("POST /v1/feedback", d.handleFeedback)
	mux.HandleFunc("POST /v1/reconfigure", d.handleReconfigure)
	mux.HandleFunc("GET /v1/events", d.handleEvents)
	return mux
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"backends": d.sched.Backends(),
	})
}

func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"backends":  d.sched.Backends(),
		"guardrail": d.guard.Snapshot(),
	}
	if chatID := r.URL.Query().Get("chat_id"); chatID != "" {
		resp["queue"] = d.sched.Status(chatID)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Daemon) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ChatID == "" || req.Content == "" {
		http.Error(w, "chat_id and content are required", http.StatusBadRequest)
		return
	}

	profile := req.Profile
	if profile == "" {
		profile = classifyProfile(req.Content)
	}
	privacy := router.DefaultPrivacy(profile)
	if req.Privacy != "" {
		p, err := router.ParsePrivacy(req.Privacy)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		privacy = p
	}

	task, err := d.sched.Submit(req.ChatID, profile, privacy, req.Content, req.CostOverride)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	d.admitted(task)
	d.tasksMu.Lock()
	d.tasks[task.ID] = task
	d.tasksMu.Unlock()

	if !req.Wait {
		writeJSON(w, http.StatusAccepted, taskResponse{TaskID: task.ID, State: "queued"})
		return
	}

	select {
	case <-r.Context().Done():
		writeJSON(w, http.StatusAccepted, taskResponse{TaskID: task.ID, State: "queued"})
	case <-task.Done():
		writeJSON(w, http.StatusOK, renderTask(task))
	}
}

func (d *Daemon) handleTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	d.tasksMu.Lock()
	task := d.tasks[id]
	d.tasksMu.Unlock()
	if task == nil {
		http.Error(w, "unknown task", http.StatusNotFound)
		return
	}

	select {
	case <-task.Done():
		// Terminal outcomes are handed out once.
		d.tasksMu.Lock()
		delete(d.tasks, id)
		d.tasksMu.Unlock()
		writeJSON(w, http.StatusOK, renderTask(task))
	default:
		writeJSON(w, http.StatusOK, taskResponse{TaskID: id, State: "pending"})
	}
}

func (d *Daemon) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !d.sched.Cancel(id) {
		http.Error(w, "task not queued", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, taskResponse{TaskID: id, State: scheduler.StateCancelled})
}

func (d *Daemon) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Profile string `json:"profile"`
		Backend string `json:"backend"`
		Rating  int    `json:"rating"`
		Channel string `json:"channel,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Profile == "" || req.Backend == "" {
		http.Error(w, "profile and backend are required", http.StatusBadRequest)
		return
	}
	if err := d.ratings.Record(req.Profile, req.Backend, req.Channel, req.Rating); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	metrics.FeedbackTotal.Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (d *Daemon) handleReconfigure(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Guardrail *guardrail.Config `json:"guardrail,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Guardrail != nil {
		d.guard.Reconfigure(*req.Guardrail)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents streams the event bus over SSE.
func (d *Daemon) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	for _, e := range d.bus.Recent(50) {
		fmt.Fprintf(w, "data: %s\n\n", e.MarshalEvent())
	}
	flusher.Flush()

	events, done := d.bus.Subscribe()
	defer d.bus.Unsubscribe(done)

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", e.MarshalEvent())
			flusher.Flush()
		}
	}
}

func renderTask(task *scheduler.Task) taskResponse {
	o := task.Outcome()
	resp := taskResponse{
		TaskID:  task.ID,
		State:   o.State,
		Backend: o.Backend,
		Content: o.Content,
	}
	if o.Err != nil {
		resp.Error = o.Err.Error()
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// --- Lifecycle ---

// Run starts the scheduler, transports, background workers, and the
// HTTP server, then blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	d.sched.Start()

	var wg sync.WaitGroup

	if d.memSync != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.memSync.Run(ctx)
		}()
	}

	// Feedback event retention
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := d.ratings.Prune(); err != nil {
					slog.Warn("feedback prune failed", "error", err)
				}
			}
		}
	}()

	if d.cfg.Matrix.Enabled {
		mx := matrix.New(matrix.Config{
			Homeserver:   d.cfg.Matrix.Homeserver,
			UserID:       d.cfg.Matrix.UserID,
			Password:     d.cfg.Matrix.Password,
			ServerName:   d.cfg.Matrix.ServerName,
			AllowedUsers: d.cfg.Matrix.AllowedUsers,
			DataDir:      d.cfg.DataDir,
		})
		d.chans = append(d.chans, mx)
		wg.Add(1)
		go func() {
			defer wg.Done()
			handler := func(ctx context.Context, msg channel.Message) error {
				return d.handleMessage(ctx, mx, msg)
			}
			if err := mx.Start(ctx, handler); err != nil {
				slog.Error("matrix transport failed", "error", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:    d.cfg.ListenAddr,
		Handler: d.httpHandler(),
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("http api listening", "addr", d.cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("daemon shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	srv.Shutdown(shutCtx)
	for _, ch := range d.chans {
		ch.Stop()
	}
	d.sched.Stop()
	if d.local != nil {
		if err := d.local.Unload(shutCtx); err != nil {
			slog.Warn("local model unload failed", "error", err)
		}
	}
	if d.memStore != nil {
		d.memStore.Close()
	}
	d.contexts.Close()
	d.ratings.Close()

	wg.Wait()
	return nil
}
