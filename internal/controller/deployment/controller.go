// Package deployment implements the Deployment workload-kind reconciler of
// spec.md §4.4. It maintains the shared engine's policy/workload cache on
// every watch event and exposes ApplyImage for the fan-out consumer
// (internal/controller/fanout) to drive direct patches and approved
// UpdateRequests. Reconciler shape (Get + finalizer-free status-less
// reconcile, predicate composition, MaxConcurrentReconciles) is grounded on
// the teacher's internal/cmd/controller/helmops/reconciler/helmop_controller.go.
package deployment

import (
	"context"
	"fmt"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	"k8s.io/client-go/util/retry"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/predicate"

	headwindv1alpha1 "github.com/headwind-sh/headwind/api/v1alpha1"
	"github.com/headwind-sh/headwind/internal/controller/engine"
	"github.com/headwind-sh/headwind/internal/controller/workload"
	"github.com/headwind-sh/headwind/internal/health"
	"github.com/headwind-sh/headwind/internal/history"
	"github.com/headwind-sh/headwind/internal/metrics"
	"github.com/headwind-sh/headwind/internal/notify"
	"github.com/headwind-sh/headwind/internal/policy"
)

// Reconciler keeps Engine's policy/workload cache current for every
// Deployment in the cluster, and applies the image mutations the fan-out
// consumer decides on via ApplyImage.
type Reconciler struct {
	client.Client
	Engine                  *engine.Engine
	Recorder                record.EventRecorder
	Notify                  notify.Sink
	MaxConcurrentReconciles int
}

// SetupWithManager registers the reconciler, following the predicate
// composition and worker-count knob the teacher's HelmOpReconciler uses.
func (r *Reconciler) SetupWithManager(mgr ctrl.Manager) error {
	workers := r.MaxConcurrentReconciles
	if workers <= 0 {
		workers = 2
	}
	return ctrl.NewControllerManagedBy(mgr).
		For(&appsv1.Deployment{}, builder.WithPredicates(predicate.Or(
			predicate.GenerationChangedPredicate{},
			predicate.AnnotationChangedPredicate{},
		))).
		WithOptions(controller.Options{MaxConcurrentReconciles: workers}).
		Complete(r)
}

// Reconcile maintains Engine's cache (spec.md §4.4 step 1): parse
// annotations into a Policy, cache current container images, evict on
// delete. It performs no mutation itself -- apply/approve decisions are
// driven by the fan-out consumer reacting to bus events, not by the
// watch-triggered reconcile loop, since an image update is not a change to
// the Deployment object itself.
func (r *Reconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx).WithValues("deployment", req.NamespacedName)

	dep := &appsv1.Deployment{}
	if err := r.Get(ctx, req.NamespacedName, dep); err != nil {
		if apierrors.IsNotFound(err) {
			r.Engine.RemoveWorkload(req.NamespacedName)
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}

	containers := workload.ExtractContainers(dep.Spec.Template.Spec.Containers)
	if _, ok, err := r.Engine.UpsertWorkload(req.NamespacedName, dep.Annotations, containers); err != nil {
		logger.Error(err, "invalid headwind policy annotations; keeping previous policy")
		if r.Recorder != nil {
			r.Recorder.Event(dep, "Warning", "InvalidPolicy", err.Error())
		}
	} else if !ok {
		logger.V(1).Info("no headwind policy annotations; workload not tracked")
	}

	return ctrl.Result{}, nil
}

// ApplyImage patches container's image to newImage on nn, CAS-retried,
// stamps the update-history annotation and last-update timestamp, records
// the mutation in Engine, and arms the health-watch window if the policy
// requests auto-rollback. requestName/approver are recorded into the
// history entry for audit (empty for a direct, non-approved apply).
func (r *Reconciler) ApplyImage(ctx context.Context, nn types.NamespacedName, container, newImage, requestName, approver string) error {
	now := time.Now()
	var p policy.Policy

	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		dep := &appsv1.Deployment{}
		if err := r.Get(ctx, nn, dep); err != nil {
			return err
		}
		original := dep.DeepCopy()

		containers, ok := workload.SetContainerImage(dep.Spec.Template.Spec.Containers, container, newImage)
		if !ok {
			return fmt.Errorf("deployment: container %q not found on %s/%s", container, nn.Namespace, nn.Name)
		}
		dep.Spec.Template.Spec.Containers = containers

		annotations, err := workload.StampAnnotations(dep.Annotations, history.Entry{
			Container:         container,
			Image:             newImage,
			Timestamp:         now,
			UpdateRequestName: requestName,
			Approver:          approver,
		}, now)
		if err != nil {
			return err
		}
		dep.Annotations = annotations

		if cached, ok := r.Engine.Policy(nn); ok {
			p = cached
		}
		return r.Patch(ctx, dep, client.MergeFromWithOptions(original, client.MergeFromWithOptimisticLock{}))
	})
	if err != nil {
		return err
	}

	r.Engine.RecordMutation(nn, now)
	metrics.UpdatesApplied.WithLabelValues(string(headwindv1alpha1.TargetDeployment), nn.Namespace, nn.Name).Inc()
	_ = workload.Notify(ctx, r.Notify, notify.KindApplied, nn.Namespace, nn.Name, fmt.Sprintf("%s -> %s", container, newImage))

	r.watchHealth(nn, container, newImage, p)
	return nil
}

// watchHealth arms a bounded health-watch window when the cached policy
// requests auto-rollback (spec.md §4.6). It runs detached from the
// reconcile context since the window can outlive a single Reconcile call.
func (r *Reconciler) watchHealth(nn types.NamespacedName, container, newImage string, p policy.Policy) {
	if !p.AutoRollback {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.RollbackTimeout)
		defer cancel()

		dep := &appsv1.Deployment{}
		if err := r.Get(ctx, nn, dep); err != nil {
			return
		}
		selector := client.MatchingLabels(dep.Spec.Selector.MatchLabels)

		window := health.NewWindow(p.HealthCheckRetries)
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cur := &appsv1.Deployment{}
				deadlineExceeded := false
				if err := r.Get(ctx, nn, cur); err == nil {
					deadlineExceeded = progressDeadlineExceeded(cur)
				}
				obs, err := health.Observe(ctx, r.Client, nn.Namespace, selector, container, newImage, deadlineExceeded)
				if err != nil {
					continue
				}
				if obs.Healthy {
					return
				}
				if window.Record(obs) {
					r.rollback(nn, container, newImage, string(window.Signal()))
					return
				}
			}
		}
	}()
}

// progressDeadlineExceeded reports whether dep's Progressing condition has
// surfaced reason ProgressDeadlineExceeded, the authoritative rollout-stall
// signal (spec.md §4.6) that nothing in the pod-status view can reconstruct.
func progressDeadlineExceeded(dep *appsv1.Deployment) bool {
	for _, cond := range dep.Status.Conditions {
		if cond.Type == appsv1.DeploymentProgressing && cond.Reason == "ProgressDeadlineExceeded" {
			return true
		}
	}
	return false
}

// rollback reverts container to its most recent prior image on nn, per
// spec.md §4.6: "the top of the history list that is not the current one".
func (r *Reconciler) rollback(nn types.NamespacedName, container, badImage, reason string) {
	ctx := context.Background()
	metrics.RollbacksTriggered.WithLabelValues(nn.Namespace, nn.Name).Inc()
	_ = workload.Notify(ctx, r.Notify, notify.KindRollbackTriggered, nn.Namespace, nn.Name, reason)

	dep := &appsv1.Deployment{}
	if err := r.Get(ctx, nn, dep); err != nil {
		metrics.RollbacksFailed.WithLabelValues(nn.Namespace, nn.Name).Inc()
		_ = workload.Notify(ctx, r.Notify, notify.KindRollbackFailed, nn.Namespace, nn.Name, err.Error())
		return
	}

	prior, ok := history.PriorImage(history.Parse(dep.Annotations), container, badImage)
	if !ok {
		metrics.RollbacksFailed.WithLabelValues(nn.Namespace, nn.Name).Inc()
		_ = workload.Notify(ctx, r.Notify, notify.KindRollbackFailed, nn.Namespace, nn.Name, "no prior image recorded")
		return
	}

	if err := r.ApplyImage(ctx, nn, container, prior.Image, "", "rollback:"+reason); err != nil {
		metrics.RollbacksFailed.WithLabelValues(nn.Namespace, nn.Name).Inc()
		_ = workload.Notify(ctx, r.Notify, notify.KindRollbackFailed, nn.Namespace, nn.Name, err.Error())
		return
	}

	metrics.RollbacksCompleted.WithLabelValues(nn.Namespace, nn.Name).Inc()
	_ = workload.Notify(ctx, r.Notify, notify.KindRollbackCompleted, nn.Namespace, nn.Name, prior.Image)
}

// ErrNoPriorHistory is returned by ManualRollback when container carries no
// history entry distinct from its current image.
var ErrNoPriorHistory = fmt.Errorf("deployment: no prior history entry to roll back to")

// ManualRollback reverts container on nn to its most recent prior image,
// exposing the same primitive the health-watch's automatic rollback uses
// (spec.md §4.6: "Manual rollback exposes the same primitive through the
// API").
func (r *Reconciler) ManualRollback(ctx context.Context, nn types.NamespacedName, container string) error {
	dep := &appsv1.Deployment{}
	if err := r.Get(ctx, nn, dep); err != nil {
		return err
	}
	containers := workload.ExtractContainers(dep.Spec.Template.Spec.Containers)
	current, ok := containers[container]
	if !ok {
		return fmt.Errorf("deployment: container %q not found on %s/%s", container, nn.Namespace, nn.Name)
	}
	prior, ok := history.PriorImage(history.Parse(dep.Annotations), container, current)
	if !ok {
		return ErrNoPriorHistory
	}

	metrics.RollbacksTriggered.WithLabelValues(nn.Namespace, nn.Name).Inc()
	_ = workload.Notify(ctx, r.Notify, notify.KindRollbackTriggered, nn.Namespace, nn.Name, "manual rollback requested")

	if err := r.ApplyImage(ctx, nn, container, prior.Image, "", "manual-rollback"); err != nil {
		metrics.RollbacksFailed.WithLabelValues(nn.Namespace, nn.Name).Inc()
		_ = workload.Notify(ctx, r.Notify, notify.KindRollbackFailed, nn.Namespace, nn.Name, err.Error())
		return err
	}
	metrics.RollbacksCompleted.WithLabelValues(nn.Namespace, nn.Name).Inc()
	_ = workload.Notify(ctx, r.Notify, notify.KindRollbackCompleted, nn.Namespace, nn.Name, prior.Image)
	return nil
}
