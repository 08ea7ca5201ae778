// Package helmrelease implements the HelmRelease workload-kind reconciler
// of spec.md §4.4. Flux's HelmRelease CRD (helm.toolkit.fluxcd.io) is not in
// this module's dependency surface, so it is read/patched via
// unstructured.Unstructured rather than a generated client, the way the
// teacher's own GitRepo-to-Bundle pipeline treats resources it doesn't own a
// typed client for (internal/cmd/controller/reconciler's use of
// client.Object against types registered only by GVK).
package helmrelease

import (
	"context"
	"fmt"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
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
	"github.com/headwind-sh/headwind/internal/history"
	"github.com/headwind-sh/headwind/internal/metrics"
	"github.com/headwind-sh/headwind/internal/notify"
)

// GVK is the Flux HelmRelease custom resource this reconciler watches.
var GVK = schema.GroupVersionKind{Group: "helm.toolkit.fluxcd.io", Version: "v2beta1", Kind: "HelmRelease"}

func newObject() *unstructured.Unstructured {
	u := &unstructured.Unstructured{}
	u.SetGroupVersionKind(GVK)
	return u
}

// Reconciler keeps Engine's policy/chart cache current for every HelmRelease
// in the cluster, and applies chart-version mutations the fan-out consumer
// decides on via ApplyChart.
type Reconciler struct {
	client.Client
	Engine                  *engine.Engine
	Recorder                record.EventRecorder
	Notify                  notify.Sink
	MaxConcurrentReconciles int
}

func (r *Reconciler) SetupWithManager(mgr ctrl.Manager) error {
	workers := r.MaxConcurrentReconciles
	if workers <= 0 {
		workers = 2
	}
	return ctrl.NewControllerManagedBy(mgr).
		For(newObject(), builder.WithPredicates(predicate.Or(
			predicate.GenerationChangedPredicate{},
			predicate.AnnotationChangedPredicate{},
		))).
		WithOptions(controller.Options{MaxConcurrentReconciles: workers}).
		Complete(r)
}

// Reconcile maintains Engine's chart cache (spec.md §4.4 step 1, chart
// variant): repositoryRef is composed from spec.chart.spec.sourceRef so
// MatchChart can find every HelmRelease pointed at a given repository.
func (r *Reconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx).WithValues("helmrelease", req.NamespacedName)

	hr := newObject()
	if err := r.Get(ctx, req.NamespacedName, hr); err != nil {
		if apierrors.IsNotFound(err) {
			r.Engine.RemoveWorkload(req.NamespacedName)
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}

	chartName, repositoryRef, version := chartFields(hr)
	if _, ok, err := r.Engine.UpsertChartWorkload(req.NamespacedName, hr.GetAnnotations(), repositoryRef, chartName, version); err != nil {
		logger.Error(err, "invalid headwind policy annotations; keeping previous policy")
		if r.Recorder != nil {
			r.Recorder.Event(hr, "Warning", "InvalidPolicy", err.Error())
		}
	} else if !ok {
		logger.V(1).Info("no headwind policy annotations; chart not tracked")
	}

	return ctrl.Result{}, nil
}

func chartFields(hr *unstructured.Unstructured) (chartName, repositoryRef, version string) {
	chartName, _, _ = unstructured.NestedString(hr.Object, "spec", "chart", "spec", "chart")
	version, _, _ = unstructured.NestedString(hr.Object, "spec", "chart", "spec", "version")

	sourceKind, _, _ := unstructured.NestedString(hr.Object, "spec", "chart", "spec", "sourceRef", "kind")
	sourceName, _, _ := unstructured.NestedString(hr.Object, "spec", "chart", "spec", "sourceRef", "name")
	sourceNamespace, _, _ := unstructured.NestedString(hr.Object, "spec", "chart", "spec", "sourceRef", "namespace")
	if sourceNamespace == "" {
		sourceNamespace = hr.GetNamespace()
	}
	repositoryRef = sourceKind + "/" + sourceNamespace + "/" + sourceName
	return
}

// ApplyChart patches spec.chart.spec.version to newVersion on nn,
// CAS-retried, and stamps the update-history annotation. HelmRelease
// targets have no container name; history entries are recorded with an
// empty Container.
func (r *Reconciler) ApplyChart(ctx context.Context, nn types.NamespacedName, newVersion, requestName, approver string) error {
	now := time.Now()

	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		hr := newObject()
		if err := r.Get(ctx, nn, hr); err != nil {
			return err
		}
		original := hr.DeepCopy()

		if err := unstructured.SetNestedField(hr.Object, newVersion, "spec", "chart", "spec", "version"); err != nil {
			return fmt.Errorf("helmrelease: set chart version: %w", err)
		}

		annotations, err := workload.StampAnnotations(hr.GetAnnotations(), history.Entry{
			Image:             newVersion,
			Timestamp:         now,
			UpdateRequestName: requestName,
			Approver:          approver,
		}, now)
		if err != nil {
			return err
		}
		hr.SetAnnotations(annotations)

		return r.Patch(ctx, hr, client.MergeFromWithOptions(original, client.MergeFromWithOptimisticLock{}))
	})
	if err != nil {
		return err
	}

	r.Engine.RecordMutation(nn, now)
	metrics.UpdatesApplied.WithLabelValues(string(headwindv1alpha1.TargetHelmRelease), nn.Namespace, nn.Name).Inc()
	_ = workload.Notify(ctx, r.Notify, notify.KindApplied, nn.Namespace, nn.Name, fmt.Sprintf("chart -> %s", newVersion))

	// No health/rollback watch for HelmRelease: Flux does not expose a
	// generic pod-label contract this controller can rely on across charts.
	return nil
}
