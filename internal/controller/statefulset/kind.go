package statefulset

import (
	"context"

	appsv1 "k8s.io/api/apps/v1"
	"k8s.io/apimachinery/pkg/types"

	headwindv1alpha1 "github.com/headwind-sh/headwind/api/v1alpha1"
	"github.com/headwind-sh/headwind/internal/controller/engine"
)

// Kind identifies this reconciler's TargetKind, satisfying
// internal/controller/fanout.ImageTarget.
func (r *Reconciler) Kind() headwindv1alpha1.TargetKind { return headwindv1alpha1.TargetStatefulSet }

// EngineOf exposes Engine for the fan-out consumer's matcher calls.
func (r *Reconciler) EngineOf() *engine.Engine { return r.Engine }

// SurfaceError records a Warning event on nn once the fan-out consumer has
// abandoned an apply/approval action after exhausting its retry attempts
// (spec.md §7: "Cluster API conflict -> Retry with CAS (5x) -> Abandon +
// log"), satisfying internal/controller/fanout's errorSurfacer.
func (r *Reconciler) SurfaceError(ctx context.Context, nn types.NamespacedName, err error) {
	if r.Recorder == nil {
		return
	}
	sts := &appsv1.StatefulSet{}
	if getErr := r.Get(ctx, nn, sts); getErr != nil {
		return
	}
	r.Recorder.Event(sts, "Warning", "UpdateAbandoned", err.Error())
}
