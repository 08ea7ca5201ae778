package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Phase is the lifecycle phase of an UpdateRequest. Transitions are
// monotonic: Pending -> (Completed | Rejected | Failed). Once a request
// reaches a terminal phase its Spec is immutable.
type Phase string

const (
	PhasePending   Phase = "Pending"
	PhaseCompleted Phase = "Completed"
	PhaseRejected  Phase = "Rejected"
	PhaseFailed    Phase = "Failed"
)

// TargetKind identifies the workload kind an UpdateRequest mutates.
type TargetKind string

const (
	TargetDeployment  TargetKind = "Deployment"
	TargetStatefulSet TargetKind = "StatefulSet"
	TargetDaemonSet   TargetKind = "DaemonSet"
	TargetHelmRelease TargetKind = "HelmRelease"
)

// TargetRef identifies the workload an UpdateRequest is about.
type TargetRef struct {
	Kind      TargetKind `json:"kind"`
	Namespace string     `json:"namespace"`
	Name      string     `json:"name"`
}

// +genclient
// +k8s:deepcopy-gen:interfaces=k8s.io/apimachinery/pkg/runtime.Object
// +kubebuilder:object:root=true
// +kubebuilder:resource:categories=headwind,path=updaterequests,shortName=ur
// +kubebuilder:subresource:status
// +kubebuilder:printcolumn:name="Phase",type=string,JSONPath=`.status.phase`
// +kubebuilder:printcolumn:name="Target",type=string,JSONPath=`.spec.targetRef.name`
// +kubebuilder:printcolumn:name="New Image",type=string,JSONPath=`.spec.newImage`

// UpdateRequest is the approval artifact that records a pending, completed,
// rejected, or failed proposal to change a workload's container image or
// Helm chart version.
type UpdateRequest struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   UpdateRequestSpec   `json:"spec,omitempty"`
	Status UpdateRequestStatus `json:"status,omitempty"`
}

type UpdateRequestSpec struct {
	// TargetRef is the workload this request proposes to mutate.
	TargetRef TargetRef `json:"targetRef"`

	// ContainerName is the container whose image is being updated. Empty
	// for HelmRelease targets, where the chart version is patched instead.
	ContainerName string `json:"containerName,omitempty"`

	// CurrentImage is the image reference observed at request creation
	// time.
	CurrentImage string `json:"currentImage"`

	// NewImage is the proposed image reference (or chart version string
	// for HelmRelease targets).
	NewImage string `json:"newImage"`

	// PolicyKind is the policy.Kind that accepted this candidate,
	// recorded for audit purposes.
	PolicyKind string `json:"policyKind,omitempty"`

	// Approver, if set at creation time, pre-authorizes the request
	// (operator tooling only; the approval API is still the only
	// legitimate mutator of status.phase).
	Approver string `json:"approver,omitempty"`
}

type UpdateRequestStatus struct {
	// Phase is the current lifecycle phase. Monotonic, see Phase.
	Phase Phase `json:"phase,omitempty"`

	// CreatedAt is set once, when the request is first created.
	CreatedAt *metav1.Time `json:"createdAt,omitempty"`

	// LastUpdated advances on every coalesced re-discovery of the same
	// candidate while the request is Pending.
	LastUpdated *metav1.Time `json:"lastUpdated,omitempty"`

	// ApprovedAt is set when the request is approved, whether the apply then
	// leaves it Completed or Failed.
	ApprovedAt *metav1.Time `json:"approvedAt,omitempty"`

	// RejectedAt is set when the request transitions to Rejected.
	RejectedAt *metav1.Time `json:"rejectedAt,omitempty"`

	// Approver records who drove the last approve/reject transition.
	Approver string `json:"approver,omitempty"`

	// RejectionReason is required on reject and recorded verbatim.
	RejectionReason string `json:"rejectionReason,omitempty"`

	// ErrorMessage is set when Phase is Failed.
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// +kubebuilder:object:root=true

// UpdateRequestList is a list of UpdateRequest.
type UpdateRequestList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []UpdateRequest `json:"items"`
}

// IsTerminal reports whether the status phase can no longer transition.
func (s UpdateRequestStatus) IsTerminal() bool {
	switch s.Phase {
	case PhaseCompleted, PhaseRejected, PhaseFailed:
		return true
	default:
		return false
	}
}
