package daemonset_test

import (
	"context"
	"testing"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	fakeclient "sigs.k8s.io/controller-runtime/pkg/client/fake"

	headwindv1alpha1 "github.com/headwind-sh/headwind/api/v1alpha1"
	"github.com/headwind-sh/headwind/internal/approval"
	"github.com/headwind-sh/headwind/internal/controller/daemonset"
	"github.com/headwind-sh/headwind/internal/controller/engine"
	"github.com/headwind-sh/headwind/internal/history"
)

func newDaemonSet(annotations map[string]string, image string) *appsv1.DaemonSet {
	return &appsv1.DaemonSet{
		ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "default", Annotations: annotations},
		Spec: appsv1.DaemonSetSpec{
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{Name: "app", Image: image}},
				},
			},
		},
	}
}

func newReconciler(t *testing.T, objs ...runtime.Object) (*daemonset.Reconciler, *engine.Engine) {
	t.Helper()
	scheme := runtime.NewScheme()
	if err := appsv1.AddToScheme(scheme); err != nil {
		t.Fatalf("AddToScheme apps: %v", err)
	}
	if err := corev1.AddToScheme(scheme); err != nil {
		t.Fatalf("AddToScheme core: %v", err)
	}
	if err := headwindv1alpha1.AddToScheme(scheme); err != nil {
		t.Fatalf("AddToScheme headwind: %v", err)
	}

	builder := fakeclient.NewClientBuilder().WithScheme(scheme)
	for _, o := range objs {
		builder = builder.WithRuntimeObjects(o)
	}
	c := builder.Build()

	e := engine.New(headwindv1alpha1.TargetDaemonSet, &approval.Manager{Client: c})
	return &daemonset.Reconciler{Client: c, Engine: e}, e
}

func TestReconcileCachesPolicyAndWorkload(t *testing.T) {
	dep := newDaemonSet(map[string]string{"headwind.sh/policy": "minor"}, "registry.example.com/team/nginx:1.25.0")
	r, e := newReconciler(t, dep)

	nn := types.NamespacedName{Namespace: "default", Name: "web"}
	if _, err := r.Reconcile(context.Background(), ctrl.Request{NamespacedName: nn}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if _, ok := e.Policy(nn); !ok {
		t.Fatal("expected policy to be cached after reconcile")
	}
	candidates := e.MatchImage("registry.example.com/team/nginx")
	if len(candidates) != 1 {
		t.Fatalf("MatchImage returned %d candidates, want 1", len(candidates))
	}
}

func TestReconcileEvictsOnDelete(t *testing.T) {
	r, e := newReconciler(t)
	nn := types.NamespacedName{Namespace: "default", Name: "gone"}
	e.RecordMutation(nn, time.Now())

	if _, err := r.Reconcile(context.Background(), ctrl.Request{NamespacedName: nn}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if _, ok := e.LastMutation(nn); ok {
		t.Error("expected LastMutation evicted after NotFound reconcile")
	}
}

func TestApplyImagePatchesAndRecordsHistory(t *testing.T) {
	dep := newDaemonSet(nil, "nginx:1.25.0")
	r, _ := newReconciler(t, dep)
	nn := types.NamespacedName{Namespace: "default", Name: "web"}

	if err := r.ApplyImage(context.Background(), nn, "app", "nginx:1.26.0", "ur-abc", "alice"); err != nil {
		t.Fatalf("ApplyImage: %v", err)
	}

	got := &appsv1.DaemonSet{}
	if err := r.Get(context.Background(), nn, got); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Spec.Template.Spec.Containers[0].Image != "nginx:1.26.0" {
		t.Errorf("image = %q, want nginx:1.26.0", got.Spec.Template.Spec.Containers[0].Image)
	}

	entries := history.Parse(got.Annotations)
	if len(entries) != 1 || entries[0].Image != "nginx:1.26.0" || entries[0].Approver != "alice" {
		t.Errorf("history = %+v, want one entry for nginx:1.26.0/alice", entries)
	}
}
