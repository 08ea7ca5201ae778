package health

import (
	"context"
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
)

func newFakeClient(t *testing.T, pods ...*corev1.Pod) client.Client {
	t.Helper()
	scheme := runtime.NewScheme()
	if err := clientgoscheme.AddToScheme(scheme); err != nil {
		t.Fatal(err)
	}
	builder := fake.NewClientBuilder().WithScheme(scheme)
	for _, p := range pods {
		builder = builder.WithObjects(p)
	}
	return builder.Build()
}

func pod(name, container, image string, restarts int32, waitingReason string, ready bool) *corev1.Pod {
	cs := corev1.ContainerStatus{Name: container, Image: image, RestartCount: restarts, Ready: ready}
	if waitingReason != "" {
		cs.State = corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{Reason: waitingReason}}
	}
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default", Labels: map[string]string{"app": "api"}},
		Status:     corev1.PodStatus{ContainerStatuses: []corev1.ContainerStatus{cs}},
	}
}

func TestObserveHealthy(t *testing.T) {
	c := newFakeClient(t, pod("api-1", "app", "nginx:1.26.0", 0, "", true))
	obs, err := Observe(context.Background(), c, "default", client.MatchingLabels{"app": "api"}, "app", "nginx:1.26.0", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !obs.Healthy {
		t.Errorf("got %+v, want healthy", obs)
	}
}

func TestObserveCrashLoop(t *testing.T) {
	c := newFakeClient(t, pod("api-1", "app", "nginx:1.26.0", 0, "CrashLoopBackOff", false))
	obs, err := Observe(context.Background(), c, "default", client.MatchingLabels{"app": "api"}, "app", "nginx:1.26.0", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obs.Signal != SignalCrashLoopBackOff {
		t.Errorf("signal = %v, want CrashLoopBackOff", obs.Signal)
	}
}

func TestObserveRestartCountExceeded(t *testing.T) {
	c := newFakeClient(t, pod("api-1", "app", "nginx:1.26.0", 6, "", true))
	obs, err := Observe(context.Background(), c, "default", client.MatchingLabels{"app": "api"}, "app", "nginx:1.26.0", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obs.Signal != SignalRestartCountExceeded {
		t.Errorf("signal = %v, want RestartCountExceeded", obs.Signal)
	}
}

func TestObserveReadinessTimeout(t *testing.T) {
	c := newFakeClient(t, pod("api-1", "app", "nginx:1.26.0", 0, "", false))
	obs, err := Observe(context.Background(), c, "default", client.MatchingLabels{"app": "api"}, "app", "nginx:1.26.0", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obs.Signal != SignalReadinessTimeout {
		t.Errorf("signal = %v, want ReadinessTimeout", obs.Signal)
	}
}

// TestObserveProgressDeadlineExceeded verifies the signal is driven by the
// caller-supplied Deployment condition, not pod state: a Deployment with
// Progressing/ProgressDeadlineExceeded reports SignalProgressDeadline even
// with otherwise-ready pods.
func TestObserveProgressDeadlineExceeded(t *testing.T) {
	c := newFakeClient(t, pod("api-1", "app", "nginx:1.26.0", 0, "", true))
	obs, err := Observe(context.Background(), c, "default", client.MatchingLabels{"app": "api"}, "app", "nginx:1.26.0", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obs.Signal != SignalProgressDeadline {
		t.Errorf("signal = %v, want ProgressDeadlineExceeded", obs.Signal)
	}
}

func TestWindowRequiresConsecutiveFailures(t *testing.T) {
	w := NewWindow(3)
	fail := Observation{Signal: SignalCrashLoopBackOff}
	if w.Record(fail) {
		t.Fatal("triggered after 1 failure, want 3")
	}
	if w.Record(fail) {
		t.Fatal("triggered after 2 failures, want 3")
	}
	if !w.Record(fail) {
		t.Fatal("did not trigger after 3 consecutive failures")
	}
}

func TestWindowResetsOnHealthy(t *testing.T) {
	w := NewWindow(2)
	w.Record(Observation{Signal: SignalCrashLoopBackOff})
	w.Record(Observation{Healthy: true})
	if w.Record(Observation{Signal: SignalCrashLoopBackOff}) {
		t.Fatal("streak should have reset after a healthy observation")
	}
}

func TestWindowDifferentSignalResetsStreak(t *testing.T) {
	w := NewWindow(2)
	w.Record(Observation{Signal: SignalCrashLoopBackOff})
	if w.Record(Observation{Signal: SignalImagePullBackOff}) {
		t.Fatal("switching signal should restart the streak count")
	}
}
