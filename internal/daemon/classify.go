package daemon

import (
	"strings"

	"github.com/switchboard-labs/switchboard/pkg/router"
)

// classifyProfile assigns a task profile from keyword signals in the
// message. Classification happens at admission; routing only ever sees
// the resulting profile.
func classifyProfile(content string) string {
	s := strings.ToLower(content)

	securitySignals := []string{
		"password", "credential", "secret", "api key", "api_key",
		"private key", "ssh key", "token", "2fa", "vault",
	}
	for _, sig := range securitySignals {
		if strings.Contains(s, sig) {
			return router.ProfileSecuritySensitive
		}
	}

	codingSignals := []string{
		"fix the", "fix bug", "implement", "write code", "write a function",
		"refactor", "debug", "stack trace", "compile", "unit test",
		"code review", "regex", "sql query", "```",
	}
	for _, sig := range codingSignals {
		if strings.Contains(s, sig) {
			return router.ProfileCodeGeneration
		}
	}

	moderationSignals := []string{
		"is this allowed", "should i ban", "flag this", "moderate",
		"against the rules", "report this",
	}
	for _, sig := range moderationSignals {
		if strings.Contains(s, sig) {
			return router.ProfileModerationDecision
		}
	}

	summarySignals := []string{
		"summarize", "summarise", "tl;dr", "tldr", "recap", "key points",
	}
	for _, sig := range summarySignals {
		if strings.Contains(s, sig) {
			return router.ProfileSummarization
		}
	}

	return router.ProfileCasualChat
}
