package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestErrorKindFromStatus(t *testing.T) {
	cases := []struct {
		status int
		want   ErrorKind
	}{
		{429, ErrRateLimited},
		{408, ErrTimeout},
		{504, ErrTimeout},
		{500, ErrRefused},
		{401, ErrRefused},
	}
	for _, c := range cases {
		if got := kindFromStatus(c.status); got != c.want {
			t.Errorf("kindFromStatus(%d) = %s, want %s", c.status, got, c.want)
		}
	}
}

func TestDescriptorHealthLastWriteWins(t *testing.T) {
	d := NewDescriptor("local", CostLocal, 1)
	if d.Health() != Healthy {
		t.Fatalf("initial health = %s, want healthy", d.Health())
	}
	d.SetHealth(Degraded)
	d.SetHealth(Unavailable)
	d.SetHealth(Healthy)
	if snap := d.Snapshot(); snap.Health != Healthy {
		t.Fatalf("snapshot health = %s, want healthy", snap.Health)
	}
}

func TestOpenAICompatGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key-1" {
			t.Errorf("auth header = %q", got)
		}
		var body struct {
			Messages []map[string]string `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.Messages[0]["role"] != "system" {
			t.Errorf("first message role = %s, want system", body.Messages[0]["role"])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"model": "test-model",
			"choices": []map[string]any{
				{"message": map[string]string{"content": "hi there"}},
			},
			"usage": map[string]int{"prompt_tokens": 12, "completion_tokens": 3},
		})
	}))
	defer srv.Close()

	b := NewOpenAICompat("cheap", srv.URL, "key-1", "test-model")
	res, err := b.Generate(context.Background(), Request{
		System:   "be brief",
		Messages: []Message{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Content != "hi there" || res.InputTokens != 12 || res.OutputTokens != 3 {
		t.Fatalf("result = %+v", res)
	}
}

func TestOpenAICompatRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	b := NewOpenAICompat("cheap", srv.URL, "k", "m")
	_, err := b.Generate(context.Background(), Request{Messages: []Message{{Role: "user", Content: "x"}}})

	var berr *Error
	if !errors.As(err, &berr) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if berr.Kind != ErrRateLimited || berr.StatusCode != 429 {
		t.Fatalf("error = %+v, want rate-limited/429", berr)
	}
}

func TestOpenAICompatMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices": []}`))
	}))
	defer srv.Close()

	b := NewOpenAICompat("cheap", srv.URL, "k", "m")
	_, err := b.Generate(context.Background(), Request{Messages: []Message{{Role: "user", Content: "x"}}})

	var berr *Error
	if !errors.As(err, &berr) || berr.Kind != ErrMalformed {
		t.Fatalf("err = %v, want malformed-response", err)
	}
}

func TestLocalGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"model":             "llama3.1:8b",
			"response":          "local says hi",
			"done":              true,
			"prompt_eval_count": 9,
			"eval_count":        4,
		})
	}))
	defer srv.Close()

	b := NewLocal("local", srv.URL, "llama3.1:8b", 0)
	res, err := b.Generate(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Content != "local says hi" {
		t.Fatalf("content = %q", res.Content)
	}
	if b.State() != ModelLoaded {
		t.Fatalf("state after generate = %s, want loaded", b.State())
	}
}

func TestLocalUnloadCooldown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"response": "ok", "done": true})
	}))
	defer srv.Close()

	b := NewLocal("local", srv.URL, "m", 100*time.Millisecond)
	if _, err := b.Generate(context.Background(), Request{Messages: []Message{{Role: "user", Content: "x"}}}); err != nil {
		t.Fatalf("generate: %v", err)
	}

	if err := b.Unload(context.Background()); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if st := b.State(); st != ModelCooling {
		t.Fatalf("state after unload = %s, want cooling", st)
	}

	// Generate during the dwell waits it out rather than failing.
	start := time.Now()
	if _, err := b.Generate(context.Background(), Request{Messages: []Message{{Role: "user", Content: "y"}}}); err != nil {
		t.Fatalf("generate after unload: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Fatalf("generate returned after %v, dwell not enforced", elapsed)
	}
	if b.State() != ModelLoaded {
		t.Fatalf("state = %s, want loaded", b.State())
	}

	// Cooldown resolves to idle on its own once the dwell elapses.
	b2 := NewLocal("local2", srv.URL, "m", 30*time.Millisecond)
	b2.Generate(context.Background(), Request{Messages: []Message{{Role: "user", Content: "x"}}})
	b2.Unload(context.Background())
	time.Sleep(50 * time.Millisecond)
	if st := b2.State(); st != ModelIdle {
		t.Fatalf("state after dwell = %s, want idle", st)
	}
}

func TestLocalUnloadWhenIdleIsNoop(t *testing.T) {
	b := NewLocal("local", "http://unreachable.invalid", "m", time.Second)
	if err := b.Unload(context.Background()); err != nil {
		t.Fatalf("idle unload = %v, want nil", err)
	}
	if b.State() != ModelIdle {
		t.Fatalf("state = %s, want idle", b.State())
	}
}

func TestLocalHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			w.Write([]byte(`{"models": []}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	b := NewLocal("local", srv.URL, "m", 0)
	if h := b.HealthCheck(context.Background()); h != Healthy {
		t.Fatalf("health = %s, want healthy", h)
	}

	srv.Close()
	if h := b.HealthCheck(context.Background()); h != Unavailable {
		t.Fatalf("health after shutdown = %s, want unavailable", h)
	}
}
