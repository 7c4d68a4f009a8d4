// Package diagnostics provides a deduplicated registry of persistent
// operator-visible issues, keyed by (domain, key). The lifecycle manager
// raises an issue when the controller reports a version mismatch and clears
// it on the next successful connect; the CLI surfaces active issues to the
// operator.
package diagnostics

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// Severity of an issue.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Issue is one active diagnostic issue.
type Issue struct {
	// Domain is the subsystem that raised the issue (e.g., "matter").
	Domain string

	// Key identifies the issue within its domain
	// (e.g., "invalid_controller_version"). At most one active issue
	// exists per (domain, key).
	Key string

	// Severity classifies the issue for display.
	Severity Severity

	// TranslationKey selects the operator-facing message for the issue.
	TranslationKey string

	// CreatedAt is when the issue was first raised. Re-raising an
	// existing issue preserves the original timestamp.
	CreatedAt time.Time
}

// Registry holds the active issues. Safe for concurrent use.
type Registry struct {
	mu     sync.Mutex
	issues map[string]*Issue
}

// NewRegistry creates an empty issue registry.
func NewRegistry() *Registry {
	return &Registry{issues: make(map[string]*Issue)}
}

func issueKey(domain, key string) string {
	return domain + "/" + key
}

// Raise creates the issue if it does not exist yet. Raising an already
// active issue is a no-op that preserves the original creation time, so
// repeated failures do not spam the operator.
func (r *Registry) Raise(domain, key string, severity Severity, translationKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := issueKey(domain, key)
	if _, ok := r.issues[k]; ok {
		return
	}
	r.issues[k] = &Issue{
		Domain:         domain,
		Key:            key,
		Severity:       severity,
		TranslationKey: translationKey,
		CreatedAt:      time.Now(),
	}
	log.Printf("diagnostics: raised issue %s (%s)", k, severity)
}

// Clear removes the issue if present. Clearing a non-existent issue is a
// no-op.
func (r *Registry) Clear(domain, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := issueKey(domain, key)
	if _, ok := r.issues[k]; !ok {
		return
	}
	delete(r.issues, k)
	log.Printf("diagnostics: cleared issue %s", k)
}

// Get returns the active issue for (domain, key), or nil.
func (r *Registry) Get(domain, key string) *Issue {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.issues[issueKey(domain, key)]
}

// Active returns all active issues, ordered by domain and key.
func (r *Registry) Active() []*Issue {
	r.mu.Lock()
	defer r.mu.Unlock()

	issues := make([]*Issue, 0, len(r.issues))
	for _, issue := range r.issues {
		issues = append(issues, issue)
	}
	sort.Slice(issues, func(i, j int) bool {
		a, b := issues[i], issues[j]
		if a.Domain != b.Domain {
			return a.Domain < b.Domain
		}
		return a.Key < b.Key
	})
	return issues
}

// String implements fmt.Stringer for log output.
func (i *Issue) String() string {
	return fmt.Sprintf("%s/%s [%s]", i.Domain, i.Key, i.Severity)
}
