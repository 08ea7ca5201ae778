// Package approval implements the UpdateRequest state machine of spec.md
// §4.5: deterministic naming, CAS-retried phase transitions, and the
// precondition checks the HTTP API (internal/approvalapi) enforces before
// mutating a target workload. State-transition style and the CAS retry
// follow the teacher's tagscan_job.go use of retry.RetryOnConflict.
package approval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/controller-runtime/pkg/client"

	headwindv1alpha1 "github.com/headwind-sh/headwind/api/v1alpha1"
)

// Name computes the deterministic, DNS-label-safe name for an
// UpdateRequest targeting (kind,namespace,name,container) with candidate
// newImage, per spec.md §6: "a deterministic hash of target-plus-newTag".
func Name(kind headwindv1alpha1.TargetKind, namespace, name, container, newImage string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s/%s/%s/%s/%s", kind, namespace, name, container, newImage)))
	return "ur-" + hex.EncodeToString(h[:])[:40]
}

// Manager creates and transitions UpdateRequest resources.
type Manager struct {
	Client client.Client
}

// Get fetches an UpdateRequest by namespace/name; returns (nil, nil) if it
// does not exist.
func (m *Manager) Get(ctx context.Context, namespace, name string) (*headwindv1alpha1.UpdateRequest, error) {
	ur := &headwindv1alpha1.UpdateRequest{}
	err := m.Client.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, ur)
	if apierrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ur, nil
}

// CreatePending creates a new UpdateRequest in phase Pending. Callers must
// have already checked no terminal or pending record with this name
// exists (spec.md §4.4 step 4).
func (m *Manager) CreatePending(ctx context.Context, spec headwindv1alpha1.UpdateRequestSpec, name, namespace string) (*headwindv1alpha1.UpdateRequest, error) {
	now := metav1.Now()
	ur := &headwindv1alpha1.UpdateRequest{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Spec:       spec,
		Status: headwindv1alpha1.UpdateRequestStatus{
			Phase:       headwindv1alpha1.PhasePending,
			CreatedAt:   &now,
			LastUpdated: &now,
		},
	}
	status := ur.Status
	if err := m.Client.Create(ctx, ur); err != nil {
		return nil, err
	}
	// With the status subresource enabled the API server drops status on
	// create; write it through the status endpoint in that case.
	if ur.Status.Phase == "" {
		ur.Status = status
		if err := m.Client.Status().Update(ctx, ur); err != nil {
			return nil, err
		}
	}
	return ur, nil
}

// TouchPending advances lastUpdated on an existing Pending UpdateRequest,
// used for the coalescing path in spec.md §4.4 step 4.
func (m *Manager) TouchPending(ctx context.Context, namespace, name string) error {
	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		ur := &headwindv1alpha1.UpdateRequest{}
		if err := m.Client.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, ur); err != nil {
			return err
		}
		if ur.Status.Phase != headwindv1alpha1.PhasePending {
			return nil
		}
		now := metav1.Now()
		ur.Status.LastUpdated = &now
		return m.Client.Status().Update(ctx, ur)
	})
}

// Approve transitions ur from Pending to Completed or Failed depending on
// applyFn's outcome, per spec.md §4.5: "performs the patch ... and only
// then transitions". Returns an error identifying a precondition failure
// (ErrNotPending) distinctly so the HTTP layer can return 409.
func (m *Manager) Approve(ctx context.Context, namespace, name, approver string, applyFn func(ctx context.Context) error) (*headwindv1alpha1.UpdateRequest, error) {
	var result *headwindv1alpha1.UpdateRequest

	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		ur := &headwindv1alpha1.UpdateRequest{}
		if err := m.Client.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, ur); err != nil {
			return err
		}
		if ur.Status.Phase != headwindv1alpha1.PhasePending {
			return ErrNotPending
		}

		applyErr := applyFn(ctx)
		now := metav1.Now()
		ur.Status.ApprovedAt = &now
		ur.Status.LastUpdated = &now
		ur.Status.Approver = approver
		if applyErr != nil {
			ur.Status.Phase = headwindv1alpha1.PhaseFailed
			ur.Status.ErrorMessage = applyErr.Error()
		} else {
			ur.Status.Phase = headwindv1alpha1.PhaseCompleted
		}
		if err := m.Client.Status().Update(ctx, ur); err != nil {
			return err
		}
		result = ur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Reject transitions ur from Pending to Rejected. reason must be non-empty
// (spec.md §4.5).
func (m *Manager) Reject(ctx context.Context, namespace, name, approver, reason string) (*headwindv1alpha1.UpdateRequest, error) {
	if reason == "" {
		return nil, fmt.Errorf("approval: reject requires a non-empty reason")
	}

	var result *headwindv1alpha1.UpdateRequest
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		ur := &headwindv1alpha1.UpdateRequest{}
		if err := m.Client.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, ur); err != nil {
			return err
		}
		if ur.Status.Phase != headwindv1alpha1.PhasePending {
			return ErrNotPending
		}
		now := metav1.Now()
		ur.Status.Phase = headwindv1alpha1.PhaseRejected
		ur.Status.RejectedAt = &now
		ur.Status.LastUpdated = &now
		ur.Status.Approver = approver
		ur.Status.RejectionReason = reason
		if err := m.Client.Status().Update(ctx, ur); err != nil {
			return err
		}
		result = ur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ErrNotPending is returned when an approve/reject is attempted on an
// UpdateRequest not in phase Pending (spec.md §6: 409 to caller).
var ErrNotPending = fmt.Errorf("approval: update request is not in phase Pending")
