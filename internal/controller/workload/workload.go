// Package workload holds the logic shared by the Deployment, StatefulSet
// and DaemonSet reconcilers: the three kinds differ only in which
// client.Object they Get/Patch and where their container list lives
// (spec.md §4's "the four reconcilers differ only in how they read/patch
// their workload kind's container image ... field"). Annotation merging
// here is grounded on the teacher's own pattern of stamping
// generation/checksum annotations back onto a workload after a mutation
// (internal/cmd/controller/helmops/reconciler/helmop_controller.go's
// updateStatus helper).
package workload

import (
	"time"

	corev1 "k8s.io/api/core/v1"

	"github.com/headwind-sh/headwind/internal/history"
	"github.com/headwind-sh/headwind/internal/policy"
)

// ExtractContainers maps container name to full image reference, the shape
// Engine.UpsertWorkload and Engine.MatchImage need.
func ExtractContainers(containers []corev1.Container) map[string]string {
	out := make(map[string]string, len(containers))
	for _, c := range containers {
		out[c.Name] = c.Image
	}
	return out
}

// SetContainerImage returns a copy of containers with container's Image
// replaced by newImage. ok reports whether container was found.
func SetContainerImage(containers []corev1.Container, container, newImage string) ([]corev1.Container, bool) {
	out := make([]corev1.Container, len(containers))
	ok := false
	for i, c := range containers {
		if c.Name == container {
			c.Image = newImage
			ok = true
		}
		out[i] = c
	}
	return out, ok
}

// StampAnnotations merges the last-update timestamp and the prepended
// history entry into annotations, returning a new map safe to write back to
// the object (spec.md §3: "Every direct mutation writes a lastUpdate
// timestamp ... and prepends an UpdateHistory entry").
func StampAnnotations(existing map[string]string, entry history.Entry, at time.Time) (map[string]string, error) {
	out := make(map[string]string, len(existing)+2)
	for k, v := range existing {
		out[k] = v
	}

	entries := history.Prepend(history.Parse(existing), entry)
	encoded, err := history.Encode(entries)
	if err != nil {
		return nil, err
	}

	out[policy.AnnotationUpdateHistory] = encoded
	out[policy.AnnotationLastUpdate] = at.UTC().Format(time.RFC3339)
	return out, nil
}
