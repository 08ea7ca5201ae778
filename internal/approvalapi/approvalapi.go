// Package approvalapi implements the HTTP API spec.md §6 describes for
// listing, approving, rejecting, and manually rolling back UpdateRequests.
// Routing follows the same gorilla/mux shape internal/webhook uses, which
// in turn follows the teacher's pkg/webhook/webhook.go.
package approvalapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	headwindv1alpha1 "github.com/headwind-sh/headwind/api/v1alpha1"
	"github.com/headwind-sh/headwind/internal/approval"
	"github.com/headwind-sh/headwind/internal/controller/daemonset"
	"github.com/headwind-sh/headwind/internal/controller/deployment"
	"github.com/headwind-sh/headwind/internal/controller/statefulset"
)

// ImageApplier is implemented by the Deployment/StatefulSet/DaemonSet
// reconcilers.
type ImageApplier interface {
	ApplyImage(ctx context.Context, nn types.NamespacedName, container, newImage, requestName, approver string) error
}

// ChartApplier is implemented by the HelmRelease reconciler.
type ChartApplier interface {
	ApplyChart(ctx context.Context, nn types.NamespacedName, newVersion, requestName, approver string) error
}

// RollbackTarget is implemented by every workload-kind reconciler that
// tracks container-image history (not HelmRelease, which has no rollback).
type RollbackTarget interface {
	ManualRollback(ctx context.Context, nn types.NamespacedName, container string) error
}

// Handler serves the approval/rollback API described in spec.md §6.
type Handler struct {
	Client    client.Client
	Approvals *approval.Manager
	Log       logr.Logger

	ImageAppliers   map[headwindv1alpha1.TargetKind]ImageApplier
	ChartAppliers   map[headwindv1alpha1.TargetKind]ChartApplier
	RollbackTargets map[headwindv1alpha1.TargetKind]RollbackTarget
}

// Router builds the mux.Router serving /api/v1/updates* and
// /api/v1/rollback/*.
func (h *Handler) Router() http.Handler {
	root := mux.NewRouter()
	root.HandleFunc("/api/v1/updates", h.handleList).Methods(http.MethodGet)
	root.HandleFunc("/api/v1/updates/{namespace}/{name}", h.handleGet).Methods(http.MethodGet)
	root.HandleFunc("/api/v1/updates/{namespace}/{name}/approve", h.handleApprove).Methods(http.MethodPost)
	root.HandleFunc("/api/v1/updates/{namespace}/{name}/reject", h.handleReject).Methods(http.MethodPost)
	root.HandleFunc("/api/v1/rollback/{namespace}/{deployment}/{container}", h.handleRollback).Methods(http.MethodPost)
	return root
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	list := &headwindv1alpha1.UpdateRequestList{}
	if err := h.Client.List(r.Context(), list); err != nil {
		h.Log.Error(err, "list update requests")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list.Items)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ur, err := h.Approvals.Get(r.Context(), vars["namespace"], vars["name"])
	if err != nil {
		h.Log.Error(err, "get update request")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if ur == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, ur)
}

type approveRequest struct {
	Approver string `json:"approver"`
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	namespace, name := vars["namespace"], vars["name"]

	var body approveRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ur, err := h.Approvals.Get(r.Context(), namespace, name)
	if err != nil {
		h.Log.Error(err, "get update request")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if ur == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	applyFn, err := h.applyFuncFor(ur, body.Approver)
	if err != nil {
		h.Log.Error(err, "resolve applier for update request", "kind", ur.Spec.TargetRef.Kind)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	result, err := h.Approvals.Approve(r.Context(), namespace, name, body.Approver, applyFn)
	if err != nil {
		if errors.Is(err, approval.ErrNotPending) {
			w.WriteHeader(http.StatusConflict)
			return
		}
		if apierrors.IsNotFound(err) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.Log.Error(err, "approve update request")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if result.Status.Phase == headwindv1alpha1.PhaseFailed {
		writeJSON(w, http.StatusInternalServerError, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type rejectRequest struct {
	Approver string `json:"approver"`
	Reason   string `json:"reason"`
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	namespace, name := vars["namespace"], vars["name"]

	var body rejectRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if body.Reason == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	result, err := h.Approvals.Reject(r.Context(), namespace, name, body.Approver, body.Reason)
	if err != nil {
		if errors.Is(err, approval.ErrNotPending) {
			w.WriteHeader(http.StatusConflict)
			return
		}
		if apierrors.IsNotFound(err) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.Log.Error(err, "reject update request")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleRollback implements spec.md §6's manual rollback primitive,
// targeting the Deployment workload kind named in the path.
func (h *Handler) handleRollback(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	nn := types.NamespacedName{Namespace: vars["namespace"], Name: vars["deployment"]}

	target, ok := h.RollbackTargets[headwindv1alpha1.TargetDeployment]
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	err := target.ManualRollback(r.Context(), nn, vars["container"])
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case apierrors.IsNotFound(err):
		w.WriteHeader(http.StatusNotFound)
	case isNoPriorHistory(err):
		w.WriteHeader(http.StatusNotFound)
	default:
		h.Log.Error(err, "manual rollback")
		w.WriteHeader(http.StatusInternalServerError)
	}
}

// applyFuncFor resolves the apply side effect approval.Manager.Approve
// performs once it has confirmed the request is still Pending, dispatching
// on the target's workload kind.
func (h *Handler) applyFuncFor(ur *headwindv1alpha1.UpdateRequest, approver string) (func(ctx context.Context) error, error) {
	nn := types.NamespacedName{Namespace: ur.Spec.TargetRef.Namespace, Name: ur.Spec.TargetRef.Name}

	if ur.Spec.TargetRef.Kind == headwindv1alpha1.TargetHelmRelease {
		applier, ok := h.ChartAppliers[ur.Spec.TargetRef.Kind]
		if !ok {
			return nil, fmt.Errorf("approvalapi: no chart applier registered for %s", ur.Spec.TargetRef.Kind)
		}
		return func(ctx context.Context) error {
			return applier.ApplyChart(ctx, nn, ur.Spec.NewImage, ur.Name, approver)
		}, nil
	}

	applier, ok := h.ImageAppliers[ur.Spec.TargetRef.Kind]
	if !ok {
		return nil, fmt.Errorf("approvalapi: no image applier registered for %s", ur.Spec.TargetRef.Kind)
	}
	return func(ctx context.Context) error {
		return applier.ApplyImage(ctx, nn, ur.Spec.ContainerName, ur.Spec.NewImage, ur.Name, approver)
	}, nil
}

// isNoPriorHistory matches the ErrNoPriorHistory sentinels the workload-kind
// packages each define.
func isNoPriorHistory(err error) bool {
	return errors.Is(err, deployment.ErrNoPriorHistory) ||
		errors.Is(err, statefulset.ErrNoPriorHistory) ||
		errors.Is(err, daemonset.ErrNoPriorHistory)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
