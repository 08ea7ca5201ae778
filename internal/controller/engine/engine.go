// Package engine implements the policy-cache, coalescing, interval and
// apply/approval decision tree shared by the four workload-kind
// reconcilers (spec.md §4.4). One Engine is owned by each reconciler type
// (Deployment/StatefulSet/DaemonSet/HelmRelease); none of its state is
// shared across controllers, per spec.md §5's "PolicyCache, PendingSet,
// LastMutation are per-controller structures accessed only from that
// controller's work loop". Grounded on the teacher's
// internal/cmd/controller/imagescan/tagscan_job.go decision logic
// (accept/reject against a cached policy, then either patch or leave a
// marker), generalized into a four-valued Action
// (none/touch-pending/create-approval/apply-direct); an interval skip is
// reported as none with Decision.SkippedInterval set.
package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/types"

	headwindv1alpha1 "github.com/headwind-sh/headwind/api/v1alpha1"
	"github.com/headwind-sh/headwind/internal/approval"
	"github.com/headwind-sh/headwind/internal/events"
	"github.com/headwind-sh/headwind/internal/imageref"
	"github.com/headwind-sh/headwind/internal/metrics"
	"github.com/headwind-sh/headwind/internal/policy"
)

// Action is the outcome of a Decide call: what the calling reconciler
// should do next.
type Action int

const (
	// ActionNone means drop the candidate: no policy, wrong event source,
	// rejected by the policy engine, a terminal UpdateRequest already
	// exists for this exact (target,newTag), or the interval window has
	// not elapsed.
	ActionNone Action = iota
	// ActionTouchPending means a Pending UpdateRequest already exists for
	// this (target,newTag); only its lastUpdated should advance.
	ActionTouchPending
	// ActionCreateApproval means create a new Pending UpdateRequest.
	ActionCreateApproval
	// ActionApplyDirect means patch the workload now; the caller must
	// call RecordMutation after a successful patch.
	ActionApplyDirect
)

// Decision is the result of evaluating one candidate tag/version against
// a workload's cached policy.
type Decision struct {
	Action          Action
	Policy          policy.Policy
	RequestName     string
	NewImage        string
	SkippedInterval bool
	// PendingTag is set alongside ActionCreateApproval to the bare tag
	// MarkPending was called with, so the caller can UnmarkPending with the
	// same key once the create attempt concludes.
	PendingTag string
}

// Engine holds the per-controller PolicyCache, PendingSet and
// LastMutation maps plus the collaborators the decision tree needs
// (approval.Manager for the CRD-backed path). A single Engine is safe for
// concurrent use because controller-runtime already serializes
// reconciliation per NamespacedName, but the maps are still guarded by a
// mutex since the fan-out consumer (DecideImage) and the reconcilers'
// health-watch goroutines (rollback through ApplyImage, which calls
// RecordMutation) reach them from outside the reconcile loop.
type Engine struct {
	Approvals *approval.Manager
	Kind      headwindv1alpha1.TargetKind

	mu           sync.Mutex
	policies     map[types.NamespacedName]policy.Policy
	pending      map[string]struct{}
	lastMutation map[types.NamespacedName]time.Time
	workloads    map[types.NamespacedName]Workload
	charts       map[types.NamespacedName]ChartWorkload
}

// Workload is the cached container-image shape of a Deployment,
// StatefulSet or DaemonSet, keyed by container name, used by MatchImage to
// find which workloads reference an incoming ImageEvent (spec.md §4.3:
// "matching by image means registry + repository equality").
type Workload struct {
	Containers map[string]string // container name -> full image reference
}

// ChartWorkload is the cached chart-reference shape of a HelmRelease, used
// by MatchChart (spec.md §4.3: "matching by chart means (repositoryRef,
// chartName) equality").
type ChartWorkload struct {
	RepositoryRef  string
	ChartName      string
	CurrentVersion string
}

// ImageCandidate is one (workload,container) pair whose image matched an
// incoming ImageEvent.
type ImageCandidate struct {
	NN           types.NamespacedName
	Container    string
	CurrentImage string
}

// ChartCandidate is one workload whose (repositoryRef,chartName) matched an
// incoming ChartEvent.
type ChartCandidate struct {
	NN             types.NamespacedName
	CurrentVersion string
}

// New constructs an Engine for one workload kind.
func New(kind headwindv1alpha1.TargetKind, approvals *approval.Manager) *Engine {
	return &Engine{
		Approvals:    approvals,
		Kind:         kind,
		policies:     map[types.NamespacedName]policy.Policy{},
		pending:      map[string]struct{}{},
		lastMutation: map[types.NamespacedName]time.Time{},
		workloads:    map[types.NamespacedName]Workload{},
		charts:       map[types.NamespacedName]ChartWorkload{},
	}
}

// UpsertWorkload caches nn's policy (per UpsertPolicy) and its current
// container images, for Deployment/StatefulSet/DaemonSet reconcilers.
func (e *Engine) UpsertWorkload(nn types.NamespacedName, annotations map[string]string, containers map[string]string) (policy.Policy, bool, error) {
	p, ok, err := e.UpsertPolicy(nn, annotations)
	e.mu.Lock()
	e.workloads[nn] = Workload{Containers: containers}
	e.mu.Unlock()
	return p, ok, err
}

// UpsertChartWorkload caches nn's policy and its current chart reference,
// for the HelmRelease reconciler.
func (e *Engine) UpsertChartWorkload(nn types.NamespacedName, annotations map[string]string, repositoryRef, chartName, currentVersion string) (policy.Policy, bool, error) {
	p, ok, err := e.UpsertPolicy(nn, annotations)
	e.mu.Lock()
	e.charts[nn] = ChartWorkload{RepositoryRef: repositoryRef, ChartName: chartName, CurrentVersion: currentVersion}
	e.mu.Unlock()
	return p, ok, err
}

// RemoveWorkload evicts nn from both the policy and workload caches.
func (e *Engine) RemoveWorkload(nn types.NamespacedName) {
	e.RemovePolicy(nn)
	e.mu.Lock()
	delete(e.workloads, nn)
	delete(e.charts, nn)
	e.mu.Unlock()
}

// MatchImage returns every cached (workload,container) whose image has the
// same registry/repository as canonical.
func (e *Engine) MatchImage(canonical string) []ImageCandidate {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []ImageCandidate
	for nn, w := range e.workloads {
		for container, image := range w.Containers {
			ref, err := imageref.Parse(image)
			if err != nil {
				continue
			}
			if ref.Canonical() == canonical {
				out = append(out, ImageCandidate{NN: nn, Container: container, CurrentImage: image})
			}
		}
	}
	return out
}

// MatchChart returns every cached HelmRelease whose (repositoryRef,
// chartName) matches.
func (e *Engine) MatchChart(repositoryRef, chartName string) []ChartCandidate {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []ChartCandidate
	for nn, c := range e.charts {
		if c.RepositoryRef == repositoryRef && c.ChartName == chartName {
			out = append(out, ChartCandidate{NN: nn, CurrentVersion: c.CurrentVersion})
		}
	}
	return out
}

// UpsertPolicy parses annotations into a Policy and caches it for nn. On
// parse failure the previously cached valid policy (if any) is kept,
// matching spec.md §4.4 step 1; the caller is responsible for recording a
// status condition. ok reports whether the new policy was applied.
func (e *Engine) UpsertPolicy(nn types.NamespacedName, annotations map[string]string) (p policy.Policy, ok bool, err error) {
	p, err = policy.ParseAnnotations(annotations)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		if cached, have := e.policies[nn]; have {
			return cached, false, err
		}
		return policy.Default(), false, err
	}
	e.policies[nn] = p
	metrics.Watched.WithLabelValues(string(e.Kind)).Set(float64(len(e.policies)))
	return p, true, nil
}

// RemovePolicy evicts nn from the cache on a DELETE watch event.
func (e *Engine) RemovePolicy(nn types.NamespacedName) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.policies, nn)
	delete(e.lastMutation, nn)
	metrics.Watched.WithLabelValues(string(e.Kind)).Set(float64(len(e.policies)))
}

// Policy returns the cached policy for nn, if any.
func (e *Engine) Policy(nn types.NamespacedName) (policy.Policy, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.policies[nn]
	return p, ok
}

// LastMutation returns when nn was last mutated, if ever.
func (e *Engine) LastMutation(nn types.NamespacedName) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.lastMutation[nn]
	return t, ok
}

// RecordMutation stamps nn's LastMutation, releasing the interval lock for
// the next mutation (spec.md §3: "Every direct mutation writes a
// lastUpdate timestamp ... before releasing the interval lock").
func (e *Engine) RecordMutation(nn types.NamespacedName, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastMutation[nn] = at
}

// pendingKey identifies a coalescable (workload,container,newTag) tuple.
func pendingKey(nn types.NamespacedName, container, newTag string) string {
	return nn.Namespace + "/" + nn.Name + "/" + container + "/" + newTag
}

// MarkPending records nn/container/newTag as having an in-flight
// UpdateRequest, for the in-memory coalescing fast path. It is called
// synchronously at decision time, before the caller's (asynchronous)
// cluster-API create attempt even starts, so a second event for the same
// (workload,container,newTag) arriving before that create lands still
// coalesces (spec.md §8 scenario 4) instead of racing a second Create.
func (e *Engine) MarkPending(nn types.NamespacedName, container, newTag string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending[pendingKey(nn, container, newTag)] = struct{}{}
}

// UnmarkPending clears the coalescing marker once the create attempt it
// guarded has concluded (successfully or abandoned), so the marker never
// outlives the in-flight window it exists for.
func (e *Engine) UnmarkPending(nn types.NamespacedName, container, newTag string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, pendingKey(nn, container, newTag))
}

// isPending reports whether nn/container/newTag currently has an in-flight
// create attempt marked against it.
func (e *Engine) isPending(nn types.NamespacedName, container, newTag string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[pendingKey(nn, container, newTag)]
	return ok
}

// DecideImage evaluates one candidate tag against nn/container's cached
// policy and current UpdateRequest/interval state, implementing spec.md
// §4.4's image-event handling steps 2-5. currentImage is the container's
// full image reference; candidateTag is the bare tag an ImageEvent or the
// poller's SelectBest proposed. newDigest, if non-empty, is the poller's
// check-(i) finding (spec.md §4.3): a content digest observed for the tag
// currently pinned on the workload. When candidateTag equals the
// currently-pinned tag and newDigest differs from what's pinned, this is a
// same-tag rebuild rather than a version bump, so it bypasses the Policy
// Engine's semver Decide (which would reject it by the no-self-update
// invariant) and flows through the approval/interval machinery directly.
func (e *Engine) DecideImage(ctx context.Context, nn types.NamespacedName, container, currentImage, candidateTag, newDigest string, source events.Source) (Decision, error) {
	ref, err := imageref.Parse(currentImage)
	if err != nil {
		return Decision{Action: ActionNone}, err
	}

	// Keep the registry/repository text exactly as the workload spells it
	// and replace only the tag/digest, so "nginx:1.25.0" becomes
	// "nginx:1.26.0" rather than its fully qualified form.
	base := currentImage
	if i := strings.Index(base, "@"); i != -1 {
		base = base[:i]
	}
	if i := strings.LastIndex(base, ":"); i > strings.LastIndex(base, "/") {
		base = base[:i]
	}

	if newDigest != "" && candidateTag == ref.Tag && newDigest != ref.Digest {
		newImage := base + ":" + ref.Tag + "@" + newDigest
		return e.decide(ctx, nn, container, ref.Tag, candidateTag, source, newImage, true)
	}

	newImage := base + ":" + candidateTag
	return e.decide(ctx, nn, container, ref.Tag, candidateTag, source, newImage, false)
}

// DecideChart is DecideImage's chart-event counterpart: currentVersion and
// candidateVersion are compared directly (no image-reference parsing),
// and newImage carries the bare chart version string to patch into
// spec.chart.spec.version.
func (e *Engine) DecideChart(ctx context.Context, nn types.NamespacedName, currentVersion, candidateVersion string, source events.Source) (Decision, error) {
	return e.decide(ctx, nn, "", currentVersion, candidateVersion, source, candidateVersion, false)
}

func (e *Engine) decide(ctx context.Context, nn types.NamespacedName, container, currentTag, candidateTag string, source events.Source, newImage string, bypassPolicyDecide bool) (Decision, error) {
	p, ok := e.Policy(nn)
	if !ok {
		return Decision{Action: ActionNone}, nil
	}

	if container != "" && !p.TracksImage(container) {
		return Decision{Action: ActionNone, Policy: p}, nil
	}

	if !p.AcceptsSource(toPolicySource(source)) {
		return Decision{Action: ActionNone, Policy: p}, nil
	}

	if !bypassPolicyDecide && policy.Decide(p, currentTag, candidateTag) == policy.Reject {
		metrics.UpdatesRejected.WithLabelValues(string(e.Kind), nn.Namespace, nn.Name).Inc()
		return Decision{Action: ActionNone, Policy: p}, nil
	}

	if p.RequireApproval {
		return e.decideApproval(ctx, nn, container, candidateTag, newImage, p)
	}
	return e.decideDirect(nn, p, newImage)
}

func (e *Engine) decideApproval(ctx context.Context, nn types.NamespacedName, container, candidateTag, newImage string, p policy.Policy) (Decision, error) {
	name := approval.Name(e.Kind, nn.Namespace, nn.Name, container, newImage)

	// Consult the in-memory coalescing marker before touching the cluster:
	// a prior decision for this exact (workload,container,newTag) may have
	// already decided ActionCreateApproval without its cluster-API create
	// having landed yet (it runs asynchronously off the decision path), so
	// Approvals.Get below would still report not-found. Without this check
	// a second near-simultaneous event (e.g. webhook + poller, spec.md §8
	// scenario 4) would also decide ActionCreateApproval and race the first
	// on the same deterministic name.
	if e.isPending(nn, container, candidateTag) {
		return Decision{Action: ActionTouchPending, Policy: p, RequestName: name, NewImage: newImage}, nil
	}

	existing, err := e.Approvals.Get(ctx, nn.Namespace, name)
	if err != nil {
		return Decision{}, err
	}

	if existing != nil {
		if existing.Status.IsTerminal() {
			return Decision{Action: ActionNone, Policy: p, RequestName: name}, nil
		}
		return Decision{Action: ActionTouchPending, Policy: p, RequestName: name, NewImage: newImage}, nil
	}

	e.MarkPending(nn, container, candidateTag)
	return Decision{Action: ActionCreateApproval, Policy: p, RequestName: name, NewImage: newImage, PendingTag: candidateTag}, nil
}

func (e *Engine) decideDirect(nn types.NamespacedName, p policy.Policy, newImage string) (Decision, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if last, ok := e.lastMutation[nn]; ok {
		if time.Since(last) < p.MinUpdateInterval {
			metrics.UpdatesSkippedInterval.WithLabelValues(string(e.Kind), nn.Namespace, nn.Name).Inc()
			return Decision{Action: ActionNone, Policy: p, SkippedInterval: true}, nil
		}
	}

	// Reserve the interval slot synchronously, at decision time, rather
	// than waiting for the (asynchronous) apply to actually land: the
	// apply it guards runs off the decision path, so a second
	// near-simultaneous direct-apply decision for the same workload must
	// see this reservation immediately or it would also pass the interval
	// check before either apply completes (spec.md §3/§8's interval
	// invariant).
	e.lastMutation[nn] = time.Now()
	return Decision{Action: ActionApplyDirect, Policy: p, NewImage: newImage}, nil
}

// PollTarget is one (workload,container) pair the Poller should sample,
// surfaced only for policies that accept polling-sourced events (spec.md
// §4.2/§5: the poller enumerates tracked images/charts itself rather than
// being told about them by the reconcilers).
type PollTarget struct {
	NN           types.NamespacedName
	Container    string
	CurrentImage string
	Policy       policy.Policy
}

// ChartPollTarget is PollTarget's chart-event counterpart.
type ChartPollTarget struct {
	NN             types.NamespacedName
	RepositoryRef  string
	ChartName      string
	CurrentVersion string
	Policy         policy.Policy
}

// PollTargets lists every cached (workload,container) whose policy accepts
// polling-sourced events.
func (e *Engine) PollTargets() []PollTarget {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []PollTarget
	for nn, w := range e.workloads {
		p, ok := e.policies[nn]
		if !ok || !p.AcceptsSource(policy.SourcePolling) {
			continue
		}
		for container, image := range w.Containers {
			if !p.TracksImage(container) {
				continue
			}
			out = append(out, PollTarget{NN: nn, Container: container, CurrentImage: image, Policy: p})
		}
	}
	return out
}

// ChartPollTargets lists every cached HelmRelease whose policy accepts
// polling-sourced events.
func (e *Engine) ChartPollTargets() []ChartPollTarget {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []ChartPollTarget
	for nn, c := range e.charts {
		p, ok := e.policies[nn]
		if !ok || !p.AcceptsSource(policy.SourcePolling) {
			continue
		}
		out = append(out, ChartPollTarget{NN: nn, RepositoryRef: c.RepositoryRef, ChartName: c.ChartName, CurrentVersion: c.CurrentVersion, Policy: p})
	}
	return out
}

func toPolicySource(s events.Source) policy.EventSource {
	switch s {
	case events.SourceWebhook:
		return policy.SourceWebhook
	case events.SourcePoller:
		return policy.SourcePolling
	default:
		return policy.SourceNone
	}
}
