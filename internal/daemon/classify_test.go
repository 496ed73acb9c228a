package daemon

import (
	"testing"

	"github.com/switchboard-labs/switchboard/pkg/router"
)

func TestClassifyProfile(t *testing.T) {
	cases := []struct {
		content string
		want    string
	}{
		{"hey, how was your weekend?", router.ProfileCasualChat},
		{"can you fix the bug in the parser?", router.ProfileCodeGeneration},
		{"write a function that reverses a list", router.ProfileCodeGeneration},
		{"here's my API key, can you check the config", router.ProfileSecuritySensitive},
		{"I need to rotate this password", router.ProfileSecuritySensitive},
		{"should I ban this user for spamming?", router.ProfileModerationDecision},
		{"tl;dr of the last discussion please", router.ProfileSummarization},
		{"summarize the meeting notes", router.ProfileSummarization},
		{"", router.ProfileCasualChat},
	}
	for _, c := range cases {
		if got := classifyProfile(c.content); got != c.want {
			t.Errorf("classifyProfile(%q) = %s, want %s", c.content, got, c.want)
		}
	}
}

func TestSecurityWinsOverCoding(t *testing.T) {
	// A message with both signals routes by the stricter profile.
	got := classifyProfile("write code to read the ssh key from disk")
	if got != router.ProfileSecuritySensitive {
		t.Fatalf("profile = %s, want security-sensitive", got)
	}
}
