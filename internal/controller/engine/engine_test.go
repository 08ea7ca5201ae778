package engine_test

import (
	"context"
	"testing"
	"time"

	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	fakeclient "sigs.k8s.io/controller-runtime/pkg/client/fake"

	headwindv1alpha1 "github.com/headwind-sh/headwind/api/v1alpha1"
	"github.com/headwind-sh/headwind/internal/approval"
	"github.com/headwind-sh/headwind/internal/controller/engine"
	"github.com/headwind-sh/headwind/internal/events"
)

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	scheme := runtime.NewScheme()
	if err := headwindv1alpha1.AddToScheme(scheme); err != nil {
		t.Fatalf("AddToScheme: %v", err)
	}
	c := fakeclient.NewClientBuilder().WithScheme(scheme).Build()
	return engine.New(headwindv1alpha1.TargetDeployment, &approval.Manager{Client: c})
}

func TestDecideImageRejectsWithoutPolicy(t *testing.T) {
	e := newEngine(t)
	nn := types.NamespacedName{Namespace: "default", Name: "web"}
	d, err := e.DecideImage(context.Background(), nn, "app", "nginx:1.25.0", "1.26.0", "", events.SourceWebhook)
	if err != nil {
		t.Fatalf("DecideImage: %v", err)
	}
	if d.Action != engine.ActionNone {
		t.Errorf("Action = %v, want ActionNone (no cached policy)", d.Action)
	}
}

func TestDecideImageDirectApply(t *testing.T) {
	e := newEngine(t)
	nn := types.NamespacedName{Namespace: "default", Name: "web"}
	_, _, err := e.UpsertWorkload(nn, map[string]string{
		"headwind.sh/policy":           "minor",
		"headwind.sh/require-approval": "false",
	}, map[string]string{"app": "nginx:1.25.0"})
	if err != nil {
		t.Fatalf("UpsertWorkload: %v", err)
	}

	d, err := e.DecideImage(context.Background(), nn, "app", "nginx:1.25.0", "1.26.0", "", events.SourceWebhook)
	if err != nil {
		t.Fatalf("DecideImage: %v", err)
	}
	if d.Action != engine.ActionApplyDirect {
		t.Fatalf("Action = %v, want ActionApplyDirect", d.Action)
	}
	if d.NewImage != "nginx:1.26.0" {
		t.Errorf("NewImage = %q, want nginx:1.26.0", d.NewImage)
	}
}

func TestDecideImageSkipsWithinInterval(t *testing.T) {
	e := newEngine(t)
	nn := types.NamespacedName{Namespace: "default", Name: "web"}
	_, _, _ = e.UpsertWorkload(nn, map[string]string{
		"headwind.sh/policy":             "minor",
		"headwind.sh/require-approval":   "false",
		"headwind.sh/min-update-interval": "5m",
	}, map[string]string{"app": "nginx:1.25.0"})
	e.RecordMutation(nn, time.Now())

	d, err := e.DecideImage(context.Background(), nn, "app", "nginx:1.25.0", "1.26.0", "", events.SourceWebhook)
	if err != nil {
		t.Fatalf("DecideImage: %v", err)
	}
	if d.Action != engine.ActionNone || !d.SkippedInterval {
		t.Errorf("got %+v, want ActionNone/SkippedInterval", d)
	}
}

func TestDecideImageCoalescesApprovalRequest(t *testing.T) {
	e := newEngine(t)
	nn := types.NamespacedName{Namespace: "default", Name: "web"}
	_, _, _ = e.UpsertWorkload(nn, map[string]string{
		"headwind.sh/policy": "minor",
	}, map[string]string{"app": "nginx:1.25.0"})

	first, err := e.DecideImage(context.Background(), nn, "app", "nginx:1.25.0", "1.26.0", "", events.SourceWebhook)
	if err != nil {
		t.Fatalf("first DecideImage: %v", err)
	}
	if first.Action != engine.ActionCreateApproval {
		t.Fatalf("first Action = %v, want ActionCreateApproval", first.Action)
	}

	mgr := &approval.Manager{Client: e.Approvals.Client}
	spec := headwindv1alpha1.UpdateRequestSpec{
		TargetRef:    headwindv1alpha1.TargetRef{Kind: headwindv1alpha1.TargetDeployment, Namespace: nn.Namespace, Name: nn.Name},
		CurrentImage: "nginx:1.25.0",
		NewImage:     first.NewImage,
	}
	if _, err := mgr.CreatePending(context.Background(), spec, first.RequestName, nn.Namespace); err != nil {
		t.Fatalf("CreatePending: %v", err)
	}

	second, err := e.DecideImage(context.Background(), nn, "app", "nginx:1.25.0", "1.26.0", "", events.SourceWebhook)
	if err != nil {
		t.Fatalf("second DecideImage: %v", err)
	}
	if second.Action != engine.ActionTouchPending {
		t.Errorf("second Action = %v, want ActionTouchPending (coalescing)", second.Action)
	}
}

// TestDecideImageCoalescesBeforeApprovalCreated exercises the real fan-out
// ordering: the cluster-API create for `first`'s ActionCreateApproval runs
// asynchronously off the decision path, so a second decision can land
// before that create does. PendingSet must coalesce it without waiting on
// Approvals.Get to observe the not-yet-created object (spec.md §8
// scenario 4).
func TestDecideImageCoalescesBeforeApprovalCreated(t *testing.T) {
	e := newEngine(t)
	nn := types.NamespacedName{Namespace: "default", Name: "web"}
	_, _, _ = e.UpsertWorkload(nn, map[string]string{
		"headwind.sh/policy": "minor",
	}, map[string]string{"app": "nginx:1.25.0"})

	first, err := e.DecideImage(context.Background(), nn, "app", "nginx:1.25.0", "1.26.0", "", events.SourceWebhook)
	if err != nil {
		t.Fatalf("first DecideImage: %v", err)
	}
	if first.Action != engine.ActionCreateApproval {
		t.Fatalf("first Action = %v, want ActionCreateApproval", first.Action)
	}

	// No CreatePending call here: the cluster write for `first` has not
	// landed yet, as it would not have by the time a second,
	// near-simultaneous event is decided.
	second, err := e.DecideImage(context.Background(), nn, "app", "nginx:1.25.0", "1.26.0", "", events.SourceWebhook)
	if err != nil {
		t.Fatalf("second DecideImage: %v", err)
	}
	if second.Action != engine.ActionTouchPending {
		t.Fatalf("second Action = %v, want ActionTouchPending (PendingSet coalescing before the create lands)", second.Action)
	}
}

func TestDecideImageSameTagRebuildBypassesPolicyReject(t *testing.T) {
	e := newEngine(t)
	nn := types.NamespacedName{Namespace: "default", Name: "web"}
	_, _, _ = e.UpsertWorkload(nn, map[string]string{
		"headwind.sh/policy":           "patch",
		"headwind.sh/require-approval": "false",
	}, map[string]string{"app": "nginx:1.25.0"})

	// Same tag as current, so policy.Decide would reject it as a no-op
	// (idempotence invariant); a differing digest still must flow through
	// as a same-tag rebuild per spec.md §4.3 check (i).
	d, err := e.DecideImage(context.Background(), nn, "app", "nginx:1.25.0", "1.25.0", "sha256:abc", events.SourceWebhook)
	if err != nil {
		t.Fatalf("DecideImage: %v", err)
	}
	if d.Action != engine.ActionApplyDirect {
		t.Fatalf("Action = %v, want ActionApplyDirect (rebuild bypass)", d.Action)
	}
	if d.NewImage != "nginx:1.25.0@sha256:abc" {
		t.Errorf("NewImage = %q, want nginx:1.25.0@sha256:abc", d.NewImage)
	}
}

func TestDecideImageSameTagNoDigestChangeIsRejected(t *testing.T) {
	e := newEngine(t)
	nn := types.NamespacedName{Namespace: "default", Name: "web"}
	_, _, _ = e.UpsertWorkload(nn, map[string]string{
		"headwind.sh/policy":           "patch",
		"headwind.sh/require-approval": "false",
	}, map[string]string{"app": "nginx:1.25.0"})

	d, err := e.DecideImage(context.Background(), nn, "app", "nginx:1.25.0", "1.25.0", "", events.SourceWebhook)
	if err != nil {
		t.Fatalf("DecideImage: %v", err)
	}
	if d.Action != engine.ActionNone {
		t.Errorf("Action = %v, want ActionNone (no digest change reported)", d.Action)
	}
}

func TestMatchImage(t *testing.T) {
	e := newEngine(t)
	nn := types.NamespacedName{Namespace: "default", Name: "web"}
	_, _, _ = e.UpsertWorkload(nn, map[string]string{"headwind.sh/policy": "minor"}, map[string]string{"app": "registry.example.com/team/nginx:1.25.0"})

	candidates := e.MatchImage("registry.example.com/team/nginx")
	if len(candidates) != 1 {
		t.Fatalf("MatchImage returned %d candidates, want 1", len(candidates))
	}
	if candidates[0].Container != "app" {
		t.Errorf("Container = %q, want app", candidates[0].Container)
	}
}
