// Package fanout implements the single fan-out consumer of spec.md §4.3:
// it drains internal/events.Bus and, for every event, asks each
// registered workload-kind target whether it has a matching candidate,
// then drives that target's engine.Decision through to an apply or
// approval-create call. Modeled on the teacher's single-consumer channel
// drain loop in pkg/bundlematcher/match.go, generalized from one matcher to
// the image/chart sum type this system's events.Bus carries. Mutating
// actions are CAS-retried with the teacher's jpillora/backoff pacing
// (internal/cmd/cli/cleanup/cleanup.go) and, on exhaustion, abandoned with
// the error surfaced on the owning object (spec.md §4.4 "Retries", §7).
package fanout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/jpillora/backoff"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/log"

	headwindv1alpha1 "github.com/headwind-sh/headwind/api/v1alpha1"
	"github.com/headwind-sh/headwind/internal/approval"
	"github.com/headwind-sh/headwind/internal/controller/engine"
	"github.com/headwind-sh/headwind/internal/events"
	"github.com/headwind-sh/headwind/internal/metrics"
	"github.com/headwind-sh/headwind/internal/notify"
)

// maxActionAttempts is spec.md §7's "Cluster API conflict -> Retry with CAS
// (5x) -> Abandon + log" row.
const maxActionAttempts = 5

// errorSurfacer is implemented by every workload-kind reconciler, letting
// the fan-out consumer report an abandoned action back onto the owning
// object once retries are exhausted.
type errorSurfacer interface {
	SurfaceError(ctx context.Context, nn types.NamespacedName, err error)
}

// actionTarget is the subset of ImageTarget/ChartTarget the side-effect
// dispatch path (act/runWithRetry) needs: the engine to release coalescing
// markers against, and the error-surfacing hook.
type actionTarget interface {
	EngineOf() *engine.Engine
	errorSurfacer
}

// ImageTarget is implemented by every container-image workload-kind
// reconciler (Deployment/StatefulSet/DaemonSet).
type ImageTarget interface {
	Kind() headwindv1alpha1.TargetKind
	ApplyImage(ctx context.Context, nn types.NamespacedName, container, newImage, requestName, approver string) error
	actionTarget
}

// ChartTarget is implemented by the HelmRelease workload-kind reconciler.
type ChartTarget interface {
	Kind() headwindv1alpha1.TargetKind
	ApplyChart(ctx context.Context, nn types.NamespacedName, newVersion, requestName, approver string) error
	actionTarget
}

// Consumer drains a Bus and dispatches matched candidates into their
// target's apply/approval path.
type Consumer struct {
	Bus          *events.Bus
	ImageTargets []ImageTarget
	ChartTargets []ChartTarget
	Approvals    *approval.Manager
	Notify       notify.Sink

	// RetryBackoff paces the attempts runWithRetry makes before abandoning
	// an action; nil uses the spec.md §7 default (1s..30s, factor 2,
	// jittered). Tests substitute a faster pacing.
	RetryBackoff *backoff.Backoff

	// queues holds one single-worker task channel per (kind,namespace,name)
	// workload key, so that the cluster-API side effects of two decisions
	// targeting the same workload never run concurrently (spec.md §5:
	// "there is no interleaving of two mutations to the same (ns,name)").
	// A workload's own goroutine only ever processes the next queued
	// action once the previous one (including its retries) has finished,
	// while different workloads' queues run fully in parallel.
	queuesMu sync.Mutex
	queues   map[string]chan func()
}

// enqueue schedules task onto key's serial worker, starting that worker's
// goroutine the first time key is seen.
func (c *Consumer) enqueue(key string, task func()) {
	c.queuesMu.Lock()
	if c.queues == nil {
		c.queues = map[string]chan func(){}
	}
	ch, ok := c.queues[key]
	if !ok {
		ch = make(chan func(), 64)
		c.queues[key] = ch
		go func() {
			for fn := range ch {
				fn()
			}
		}()
	}
	c.queuesMu.Unlock()
	ch <- task
}

// workloadKey identifies the serial queue a kind/nn's mutating actions
// share.
func workloadKey(kind headwindv1alpha1.TargetKind, nn types.NamespacedName) string {
	return string(kind) + "/" + nn.Namespace + "/" + nn.Name
}

func (c *Consumer) retryBackoff() *backoff.Backoff {
	if c.RetryBackoff != nil {
		return &backoff.Backoff{Min: c.RetryBackoff.Min, Max: c.RetryBackoff.Max, Factor: c.RetryBackoff.Factor, Jitter: c.RetryBackoff.Jitter}
	}
	return &backoff.Backoff{Min: 1 * time.Second, Max: 30 * time.Second, Factor: 2, Jitter: true}
}

// Run drains the Bus until ctx is cancelled. It is meant to be started once
// as its own goroutine/errgroup member by cmd/headwind-controller.
func (c *Consumer) Run(ctx context.Context) error {
	logger := log.FromContext(ctx).WithName("fanout")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-c.Bus.Images():
			if !ok {
				return nil
			}
			c.handleImage(ctx, logger, e)
		case e, ok := <-c.Bus.Charts():
			if !ok {
				return nil
			}
			c.handleChart(ctx, logger, e)
		}
	}
}

func (c *Consumer) handleImage(ctx context.Context, logger logr.Logger, e events.ImageEvent) {
	for _, target := range c.ImageTargets {
		for _, candidate := range target.EngineOf().MatchImage(e.Canonical()) {
			decision, err := target.EngineOf().DecideImage(ctx, candidate.NN, candidate.Container, candidate.CurrentImage, e.Tag, e.Digest, e.Source)
			if err != nil {
				logger.Error(err, "decide image", "target", candidate.NN)
				continue
			}
			candidate := candidate
			c.act(logger, target.Kind(), candidate.NN, candidate.Container, candidate.CurrentImage, decision, target, func(ctx context.Context, requestName, approver string) error {
				return target.ApplyImage(ctx, candidate.NN, candidate.Container, decision.NewImage, requestName, approver)
			})
		}
	}
}

func (c *Consumer) handleChart(ctx context.Context, logger logr.Logger, e events.ChartEvent) {
	for _, target := range c.ChartTargets {
		for _, candidate := range target.EngineOf().MatchChart(e.RepositoryRef, e.ChartName) {
			decision, err := target.EngineOf().DecideChart(ctx, candidate.NN, candidate.CurrentVersion, e.Version, e.Source)
			if err != nil {
				logger.Error(err, "decide chart", "target", candidate.NN)
				continue
			}
			candidate := candidate
			c.act(logger, target.Kind(), candidate.NN, "", candidate.CurrentVersion, decision, target, func(ctx context.Context, requestName, approver string) error {
				return target.ApplyChart(ctx, candidate.NN, decision.NewImage, requestName, approver)
			})
		}
	}
}

// act performs the side effect decision.Action calls for: coalesce an
// existing Pending request, create a new one, or apply directly. Each
// action is retried and, if it still fails, abandoned (see runWithRetry) on
// its workload's own serial queue, so a transient cluster-API error never
// blocks the single fan-out consumer from draining other workloads' events,
// while two actions for the *same* workload never interleave.
func (c *Consumer) act(logger logr.Logger, kind headwindv1alpha1.TargetKind, nn types.NamespacedName, container, currentImage string, decision engine.Decision, target actionTarget, apply func(ctx context.Context, requestName, approver string) error) {
	switch decision.Action {
	case engine.ActionNone:
		return
	case engine.ActionTouchPending:
		c.runWithRetry(logger, kind, nn, target, nil, func(ctx context.Context) error {
			return c.Approvals.TouchPending(ctx, nn.Namespace, decision.RequestName)
		})
	case engine.ActionCreateApproval:
		spec := headwindv1alpha1.UpdateRequestSpec{
			TargetRef:     headwindv1alpha1.TargetRef{Kind: kind, Namespace: nn.Namespace, Name: nn.Name},
			ContainerName: container,
			CurrentImage:  currentImage,
			NewImage:      decision.NewImage,
			PolicyKind:    string(decision.Policy.Kind),
		}
		// onDone always releases the coalescing marker DecideImage/
		// DecideChart set via MarkPending, whether the create succeeded or
		// was ultimately abandoned, so the marker never outlives the
		// in-flight attempt it guards (internal/controller/engine's
		// PendingSet).
		onDone := func(ctx context.Context, success bool) {
			target.EngineOf().UnmarkPending(nn, container, decision.PendingTag)
			if success {
				metrics.UpdateRequestsCreated.WithLabelValues(string(kind), nn.Namespace, nn.Name).Inc()
				_ = notifySend(ctx, c.Notify, notify.KindUpdateRequestCreated, nn.Namespace, nn.Name, fmt.Sprintf("%s requires approval -> %s", container, decision.NewImage))
			}
		}
		c.runWithRetry(logger, kind, nn, target, onDone, func(ctx context.Context) error {
			_, err := c.Approvals.CreatePending(ctx, spec, decision.RequestName, nn.Namespace)
			return err
		})
	case engine.ActionApplyDirect:
		c.runWithRetry(logger, kind, nn, target, nil, func(ctx context.Context) error {
			return apply(ctx, "", "")
		})
	}
}

// runWithRetry schedules fn onto kind/nn's serial workload queue, retrying
// up to maxActionAttempts times with jpillora/backoff pacing (the teacher's
// internal/cmd/cli/cleanup/cleanup.go pattern). Queueing per workload (see
// Consumer.enqueue) keeps the Consumer's drain loop from blocking on one
// workload's cluster-API failures while guaranteeing no two actions against
// the same workload ever run at once. On the first success onDone(ctx,
// true) runs (if set); once every attempt is exhausted the action is
// abandoned: logged, counted in metrics.ApplyActionsAbandoned, surfaced on
// the owning object, and onDone(ctx, false) runs (if set).
func (c *Consumer) runWithRetry(logger logr.Logger, kind headwindv1alpha1.TargetKind, nn types.NamespacedName, target actionTarget, onDone func(ctx context.Context, success bool), fn func(ctx context.Context) error) {
	c.enqueue(workloadKey(kind, nn), func() {
		ctx := context.Background()
		b := c.retryBackoff()

		var lastErr error
		for attempt := 0; attempt < maxActionAttempts; attempt++ {
			if lastErr = fn(ctx); lastErr == nil {
				if onDone != nil {
					onDone(ctx, true)
				}
				return
			}
			if attempt == maxActionAttempts-1 {
				break
			}
			time.Sleep(b.Duration())
		}

		logger.Error(lastErr, "abandoning action after exhausting retries", "kind", kind, "target", nn)
		metrics.ApplyActionsAbandoned.WithLabelValues(string(kind), nn.Namespace, nn.Name).Inc()
		if target != nil {
			target.SurfaceError(ctx, nn, lastErr)
		}
		if onDone != nil {
			onDone(ctx, false)
		}
	})
}

func notifySend(ctx context.Context, sink notify.Sink, kind notify.Kind, namespace, name, message string) error {
	if sink == nil {
		return nil
	}
	return sink.Send(ctx, notify.Event{Kind: kind, Namespace: namespace, Name: name, Message: message})
}
