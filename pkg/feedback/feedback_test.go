package feedback

import (
	"math"
	"testing"
)

func openTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), opts)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNeutralBelowMinSamples(t *testing.T) {
	s := openTestStore(t, Options{MinSamples: 3})

	if got := s.Score("casual-chat", "local-llama"); got != Neutral {
		t.Fatalf("unseen pairing score = %v, want %v", got, Neutral)
	}

	// Two ratings, still under the threshold of three.
	s.Record("casual-chat", "local-llama", "", 1)
	s.Record("casual-chat", "local-llama", "", 1)
	if got := s.Score("casual-chat", "local-llama"); got != Neutral {
		t.Fatalf("under-sampled score = %v, want %v", got, Neutral)
	}

	s.Record("casual-chat", "local-llama", "", 1)
	if got := s.Score("casual-chat", "local-llama"); got >= Neutral {
		t.Fatalf("three bad ratings score = %v, want < %v", got, Neutral)
	}
}

func TestEWMAConvergence(t *testing.T) {
	s := openTestStore(t, Options{Alpha: 0.5, MinSamples: 1})

	for i := 0; i < 10; i++ {
		if err := s.Record("code-generation", "sonnet", "", 5); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	got := s.Score("code-generation", "sonnet")
	if math.Abs(got-5.0) > 0.01 {
		t.Fatalf("converged score = %v, want ~5.0", got)
	}
}

func TestRatingClamped(t *testing.T) {
	s := openTestStore(t, Options{Alpha: 1.0, MinSamples: 1})

	s.Record("summarization", "cheap-gpt", "", 99)
	if got := s.Score("summarization", "cheap-gpt"); got != 5.0 {
		t.Fatalf("clamped high rating score = %v, want 5.0", got)
	}
	s.Record("summarization", "cheap-gpt", "", -3)
	if got := s.Score("summarization", "cheap-gpt"); got != 1.0 {
		t.Fatalf("clamped low rating score = %v, want 1.0", got)
	}
}

func TestChannelScopedFoldsIntoCoarse(t *testing.T) {
	s := openTestStore(t, Options{Alpha: 1.0, MinSamples: 1})

	s.Record("casual-chat", "local-llama", "!room-a", 5)
	s.Record("casual-chat", "local-llama", "!room-b", 1)

	// Sample-weighted mean of the channel rows: (5 + 1) / 2.
	if got := s.Score("casual-chat", "local-llama"); math.Abs(got-3.0) > 0.01 {
		t.Fatalf("folded score = %v, want 3.0", got)
	}
}

func TestProfilesIsolated(t *testing.T) {
	s := openTestStore(t, Options{Alpha: 1.0, MinSamples: 1})

	s.Record("casual-chat", "local-llama", "", 1)
	if got := s.Score("code-generation", "local-llama"); got != Neutral {
		t.Fatalf("cross-profile score = %v, want %v", got, Neutral)
	}

	scores := s.Scores("casual-chat")
	if len(scores) != 1 || scores["local-llama"] != 1.0 {
		t.Fatalf("scores = %v, want map with local-llama=1.0", scores)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	opts := Options{Alpha: 1.0, MinSamples: 1}

	s, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s.Record("moderation-decision", "sonnet", "", 4)
	s.Close()

	s2, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if got := s2.Score("moderation-decision", "sonnet"); got != 4.0 {
		t.Fatalf("score after reopen = %v, want 4.0", got)
	}
}
