// Package policy implements the version-selection Policy Engine: deciding
// whether a candidate tag is an acceptable successor to a workload's current
// tag, and picking the best one among several candidates. It is grounded in
// fleet's image-scan latestTag/semverLatest logic
// (internal/cmd/controller/imagescan/tagscan_job.go), generalized from a
// single semver-range policy to the full policy-kind vocabulary spec.md
// requires (None/Patch/Minor/Major/All/Glob/Force).
package policy

import (
	"strings"
	"time"

	"github.com/gobwas/glob"
)

// Kind is the update-acceptance strategy for a workload.
type Kind string

const (
	KindNone  Kind = "None"
	KindPatch Kind = "Patch"
	KindMinor Kind = "Minor"
	KindMajor Kind = "Major"
	KindAll   Kind = "All"
	KindGlob  Kind = "Glob"
	KindForce Kind = "Force"
)

// EventSource is the provenance a resource accepts events from.
type EventSource string

const (
	SourceWebhook EventSource = "Webhook"
	SourcePolling EventSource = "Polling"
	SourceBoth    EventSource = "Both"
	SourceNone    EventSource = "None"
)

const (
	// DefaultMinUpdateInterval is spec.md §3's default minUpdateInterval.
	DefaultMinUpdateInterval = 300 * time.Second
	// DefaultEventSource is spec.md §3's default eventSource.
	DefaultEventSource = SourceWebhook
)

// Policy is the annotation-derived decision object for one workload.
type Policy struct {
	Kind Kind
	// Pattern is the shell-style glob pattern for KindGlob.
	Pattern string

	RequireApproval   bool
	MinUpdateInterval time.Duration
	// TrackedImages is empty -> track every container.
	TrackedImages map[string]struct{}
	EventSource   EventSource
	PollingInterval *time.Duration

	AutoRollback       bool
	RollbackTimeout    time.Duration
	HealthCheckRetries int
}

// Default returns the zero-annotation policy: no update acceptance,
// approval required, spec.md §3 default interval and event source.
func Default() Policy {
	return Policy{
		Kind:              KindNone,
		RequireApproval:   true,
		MinUpdateInterval: DefaultMinUpdateInterval,
		EventSource:       DefaultEventSource,
	}
}

// AcceptsSource reports whether this policy processes events from source.
func (p Policy) AcceptsSource(source EventSource) bool {
	switch p.EventSource {
	case SourceNone:
		return false
	case SourceBoth:
		return true
	default:
		return p.EventSource == source
	}
}

// TracksImage reports whether container should be considered at all. An
// empty TrackedImages set means every container is tracked (spec.md §3).
func (p Policy) TracksImage(image string) bool {
	if len(p.TrackedImages) == 0 {
		return true
	}
	_, ok := p.TrackedImages[image]
	return ok
}

// matchesGlob compiles Pattern and matches candidate against it. Shell-style
// "*" and "?" only; no brace or bracket expansion (spec.md §4.1). gobwas/glob
// treats "[...]" and "{...}" as character-class/alternation syntax by
// default, so those runes are backslash-escaped before compiling and
// matched as literals instead.
func (p Policy) matchesGlob(candidate string) (bool, error) {
	g, err := glob.Compile(literalBracesAndBrackets(p.Pattern))
	if err != nil {
		return false, err
	}
	return g.Match(candidate), nil
}

// literalBracesAndBrackets backslash-escapes gobwas/glob's "[", "]", "{",
// "}" and "\" metacharacters so a Glob policy's pattern only ever expands
// "*" and "?", per spec.md §4.1's "no brace or bracket expansion".
func literalBracesAndBrackets(pattern string) string {
	var b strings.Builder
	b.Grow(len(pattern))
	for _, r := range pattern {
		switch r {
		case '\\', '[', ']', '{', '}':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
