// Package router turns a task's profile, privacy class, and the current
// backend state into an ordered fallback chain of backend names.
//
// Route is pure given its inputs. Backend health, feedback scores, and
// guardrail restriction are passed in as values, so the scheduler can
// call it fresh for every task and tests can drive it with fixtures.
package router

import (
	"fmt"
	"sort"
	"sync"

	"github.com/switchboard-labs/switchboard/pkg/backend"
	"github.com/switchboard-labs/switchboard/pkg/feedback"
)

// Privacy restricts which cost classes a task may reach.
type Privacy string

const (
	PrivacyOpen      Privacy = "open"
	PrivacyLocalOnly Privacy = "local-only"
)

// ParsePrivacy validates a privacy string from an external caller. An
// unrecognized value is an error, never silently treated as open.
func ParsePrivacy(s string) (Privacy, error) {
	switch p := Privacy(s); p {
	case PrivacyOpen, PrivacyLocalOnly:
		return p, nil
	default:
		return "", fmt.Errorf("unknown privacy class %q", s)
	}
}

// Task profiles form a closed set. Unknown profiles route like casual chat.
const (
	ProfileCasualChat         = "casual-chat"
	ProfileCodeGeneration     = "code-generation"
	ProfileModerationDecision = "moderation-decision"
	ProfileSecuritySensitive  = "security-sensitive"
	ProfileSummarization      = "summarization"
)

// DefaultPreferences maps each profile to its cost-class preference order.
func DefaultPreferences() map[string][]backend.CostClass {
	return map[string][]backend.CostClass{
		ProfileCasualChat:         {backend.CostLocal, backend.CostCheapCloud, backend.CostExpensiveCloud},
		ProfileCodeGeneration:     {backend.CostExpensiveCloud, backend.CostCheapCloud, backend.CostLocal},
		ProfileModerationDecision: {backend.CostCheapCloud, backend.CostLocal, backend.CostExpensiveCloud},
		ProfileSecuritySensitive:  {backend.CostLocal, backend.CostCheapCloud, backend.CostExpensiveCloud},
		ProfileSummarization:      {backend.CostCheapCloud, backend.CostLocal, backend.CostExpensiveCloud},
	}
}

// DefaultPrivacy returns the privacy class a profile carries unless the
// submitter overrides it.
func DefaultPrivacy(profile string) Privacy {
	if profile == ProfileSecuritySensitive {
		return PrivacyLocalOnly
	}
	return PrivacyOpen
}

// Routing dead-end reasons. Remediation differs per reason, so callers
// must be able to tell them apart.
const (
	ReasonPrivacyRestricted = "privacy-restricted"
	ReasonCostRestricted    = "cost-restricted"
	ReasonAllUnhealthy      = "all-unhealthy"
)

// NoEligibleBackendError reports a routing dead-end and why.
type NoEligibleBackendError struct {
	Reason string
}

func (e *NoEligibleBackendError) Error() string {
	return fmt.Sprintf("no eligible backend: %s", e.Reason)
}

// Request carries everything Route needs. Scores and Restricted are
// sampled by the caller so Route itself performs no I/O.
type Request struct {
	Profile      string
	Privacy      Privacy
	CostOverride bool

	Backends []backend.Snapshot
	// Scores holds feedback scores by backend name. Missing entries
	// read as the neutral score.
	Scores map[string]float64
	// Restricted marks cost classes over the guardrail soft cap.
	Restricted map[backend.CostClass]bool
}

// Router holds the preference configuration.
type Router struct {
	mu    sync.RWMutex
	prefs map[string][]backend.CostClass
}

// New creates a router. A nil prefs map uses DefaultPreferences.
func New(prefs map[string][]backend.CostClass) *Router {
	if prefs == nil {
		prefs = DefaultPreferences()
	}
	return &Router{prefs: prefs}
}

// Reconfigure replaces the preference table at runtime.
func (r *Router) Reconfigure(prefs map[string][]backend.CostClass) {
	if prefs == nil {
		prefs = DefaultPreferences()
	}
	r.mu.Lock()
	r.prefs = prefs
	r.mu.Unlock()
}

// Route produces the fallback chain for one task, best candidate first.
// The returned list is non-empty; a dead-end fails with
// *NoEligibleBackendError carrying the dominant reason.
func (r *Router) Route(req Request) ([]string, error) {
	r.mu.RLock()
	pref := r.prefs[req.Profile]
	r.mu.RUnlock()
	if pref == nil {
		pref = DefaultPreferences()[ProfileCasualChat]
	}

	hadAny := len(req.Backends) > 0
	var afterPrivacy []backend.Snapshot
	for _, b := range req.Backends {
		if req.Privacy == PrivacyLocalOnly && b.Cost != backend.CostLocal {
			continue
		}
		afterPrivacy = append(afterPrivacy, b)
	}
	if len(afterPrivacy) == 0 {
		if hadAny && req.Privacy == PrivacyLocalOnly {
			return nil, &NoEligibleBackendError{Reason: ReasonPrivacyRestricted}
		}
		return nil, &NoEligibleBackendError{Reason: ReasonAllUnhealthy}
	}

	var healthy []backend.Snapshot
	for _, b := range afterPrivacy {
		if b.Health == backend.Unavailable {
			continue
		}
		healthy = append(healthy, b)
	}
	if len(healthy) == 0 {
		return nil, &NoEligibleBackendError{Reason: ReasonAllUnhealthy}
	}

	// Over the soft cap, restricted classes drop out entirely unless the
	// task carries an explicit cost override. Removal, not reordering,
	// keeps repeated Route calls consistent until the window rolls over.
	var eligible []backend.Snapshot
	for _, b := range healthy {
		if !req.CostOverride && req.Restricted[b.Cost] {
			continue
		}
		eligible = append(eligible, b)
	}
	if len(eligible) == 0 {
		return nil, &NoEligibleBackendError{Reason: ReasonCostRestricted}
	}

	rank := func(c backend.CostClass) int {
		for i, p := range pref {
			if p == c {
				return i
			}
		}
		return len(pref)
	}
	score := func(name string) float64 {
		if s, ok := req.Scores[name]; ok {
			return s
		}
		return feedback.Neutral
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b2 := eligible[i], eligible[j]
		if ra, rb := rank(a.Cost), rank(b2.Cost); ra != rb {
			return ra < rb
		}
		if a.Health != b2.Health {
			return a.Health == backend.Healthy
		}
		if sa, sb := score(a.Name), score(b2.Name); sa != sb {
			return sa > sb
		}
		if a.Cost != b2.Cost {
			return a.Cost < b2.Cost
		}
		return a.Name < b2.Name
	})

	names := make([]string, len(eligible))
	for i, b := range eligible {
		names[i] = b.Name
	}
	return names, nil
}
