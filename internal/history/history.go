// Package history implements the bounded update-history list spec.md §3
// requires on every workload, stored as a JSON-encoded annotation
// (headwind.sh/update-history) since Deployment/StatefulSet/DaemonSet/
// HelmRelease carry no first-class history subresource the way fleet's
// own CRDs do (see SPEC_FULL.md §3). Grounded on the teacher's own
// "status encoded as annotation" precedent for ad-hoc structured data on
// objects that don't have a dedicated field for it.
package history

import (
	"encoding/json"
	"time"

	"github.com/headwind-sh/headwind/internal/policy"
)

// MaxEntriesPerContainer bounds the history list per container, spec.md §3.
const MaxEntriesPerContainer = 10

// Entry is one prior applied image/version, spec.md §3's "UpdateHistory
// entry".
type Entry struct {
	Container         string    `json:"container"`
	Image             string    `json:"image"`
	Timestamp         time.Time `json:"timestamp"`
	UpdateRequestName string    `json:"updateRequestName,omitempty"`
	Approver          string    `json:"approver,omitempty"`
}

// Parse decodes the update-history annotation, if present. A missing or
// malformed annotation yields an empty list rather than an error, since a
// corrupt history must never block a new mutation from proceeding.
func Parse(annotations map[string]string) []Entry {
	raw, ok := annotations[policy.AnnotationUpdateHistory]
	if !ok || raw == "" {
		return nil
	}
	var entries []Entry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil
	}
	return entries
}

// Prepend adds entry to the front of the per-container history, truncating
// to MaxEntriesPerContainer entries for that container (spec.md §3: "last
// 10 per container"). Entries for other containers are left untouched.
func Prepend(existing []Entry, entry Entry) []Entry {
	out := make([]Entry, 0, len(existing)+1)
	out = append(out, entry)

	kept := 0
	for _, e := range existing {
		if e.Container != entry.Container {
			out = append(out, e)
			continue
		}
		if kept >= MaxEntriesPerContainer-1 {
			continue
		}
		kept++
		out = append(out, e)
	}
	return out
}

// Encode marshals entries back to the annotation's JSON form.
func Encode(entries []Entry) (string, error) {
	b, err := json.Marshal(entries)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// PriorImage returns the most recent history entry for container whose
// image differs from currentImage -- the rollback target spec.md §4.6
// describes as "the top of the history list that is not the current one".
func PriorImage(entries []Entry, container, currentImage string) (Entry, bool) {
	for _, e := range entries {
		if e.Container != container {
			continue
		}
		if e.Image == currentImage {
			continue
		}
		return e, true
	}
	return Entry{}, false
}
