package approvalapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	fakeclient "sigs.k8s.io/controller-runtime/pkg/client/fake"

	headwindv1alpha1 "github.com/headwind-sh/headwind/api/v1alpha1"
	"github.com/headwind-sh/headwind/internal/approval"
	"github.com/headwind-sh/headwind/internal/approvalapi"
)

type fakeImageApplier struct {
	calls []string
	err   error
}

func (f *fakeImageApplier) ApplyImage(_ context.Context, nn types.NamespacedName, container, newImage, requestName, approver string) error {
	f.calls = append(f.calls, nn.Name+"/"+container+"="+newImage+" by "+approver)
	return f.err
}

func newTestHandler(t *testing.T, applier *fakeImageApplier, objs ...*headwindv1alpha1.UpdateRequest) *approvalapi.Handler {
	t.Helper()
	scheme := runtime.NewScheme()
	if err := headwindv1alpha1.AddToScheme(scheme); err != nil {
		t.Fatalf("AddToScheme: %v", err)
	}
	builder := fakeclient.NewClientBuilder().WithScheme(scheme).WithStatusSubresource(&headwindv1alpha1.UpdateRequest{})
	for _, o := range objs {
		builder = builder.WithObjects(o)
	}
	c := builder.Build()

	return &approvalapi.Handler{
		Client:    c,
		Approvals: &approval.Manager{Client: c},
		ImageAppliers: map[headwindv1alpha1.TargetKind]approvalapi.ImageApplier{
			headwindv1alpha1.TargetDeployment: applier,
		},
	}
}

func newPendingRequest() *headwindv1alpha1.UpdateRequest {
	now := metav1.Now()
	return &headwindv1alpha1.UpdateRequest{
		ObjectMeta: metav1.ObjectMeta{Name: "ur-web", Namespace: "default"},
		Spec: headwindv1alpha1.UpdateRequestSpec{
			TargetRef:     headwindv1alpha1.TargetRef{Kind: headwindv1alpha1.TargetDeployment, Namespace: "default", Name: "web"},
			ContainerName: "app",
			CurrentImage:  "nginx:1.25.0",
			NewImage:      "nginx:1.26.0",
		},
		Status: headwindv1alpha1.UpdateRequestStatus{Phase: headwindv1alpha1.PhasePending, CreatedAt: &now, LastUpdated: &now},
	}
}

func TestHandleApproveAppliesAndCompletes(t *testing.T) {
	applier := &fakeImageApplier{}
	h := newTestHandler(t, applier, newPendingRequest())

	body, _ := json.Marshal(map[string]string{"approver": "alice"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/updates/default/ur-web/approve", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if len(applier.calls) != 1 || applier.calls[0] != "web/app=nginx:1.26.0 by alice" {
		t.Errorf("applier calls = %v", applier.calls)
	}

	var ur headwindv1alpha1.UpdateRequest
	if err := json.Unmarshal(rec.Body.Bytes(), &ur); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if ur.Status.Phase != headwindv1alpha1.PhaseCompleted {
		t.Errorf("phase = %s, want Completed", ur.Status.Phase)
	}
}

func TestHandleApproveAlreadyTerminalReturns409(t *testing.T) {
	ur := newPendingRequest()
	ur.Status.Phase = headwindv1alpha1.PhaseCompleted
	h := newTestHandler(t, &fakeImageApplier{}, ur)

	body, _ := json.Marshal(map[string]string{"approver": "alice"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/updates/default/ur-web/approve", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestHandleRejectRequiresReason(t *testing.T) {
	h := newTestHandler(t, &fakeImageApplier{}, newPendingRequest())

	body, _ := json.Marshal(map[string]string{"approver": "alice"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/updates/default/ur-web/reject", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleGetNotFound(t *testing.T) {
	h := newTestHandler(t, &fakeImageApplier{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/updates/default/missing", nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleListReturnsAll(t *testing.T) {
	h := newTestHandler(t, &fakeImageApplier{}, newPendingRequest())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/updates", nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var items []headwindv1alpha1.UpdateRequest
	if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("len(items) = %d, want 1", len(items))
	}
}
