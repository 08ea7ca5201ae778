// Package health implements the post-apply health-watch window and
// auto-rollback decision described in spec.md §4.6. Pod inspection follows
// the teacher's internal/cmd/cli/monitor.go getControllerInfo pattern
// (client.List with a label selector, reading container statuses), adapted
// from reporting into a pass/fail health signal.
package health

import (
	"context"

	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

const maxRestartsBeforeUnhealthy = 5

// Signal names the reason a workload was judged unhealthy.
type Signal string

const (
	SignalNone                 Signal = ""
	SignalCrashLoopBackOff     Signal = "CrashLoopBackOff"
	SignalImagePullBackOff     Signal = "ImagePullBackOff"
	SignalRestartCountExceeded Signal = "RestartCountExceeded"
	SignalReadinessTimeout     Signal = "ReadinessTimeout"
	SignalProgressDeadline     Signal = "ProgressDeadlineExceeded"
)

// Observation is one sampling of a workload's pods during a health-watch
// window.
type Observation struct {
	Signal  Signal
	Healthy bool
}

// Observe inspects the pods matching selector in namespace ns and reports a
// health Observation for the given container/image pair (spec.md §4.6:
// "any replica of the new revision"). progressDeadlineExceeded carries the
// owning Deployment's Progressing/ProgressDeadlineExceeded status condition
// (the only workload kind that has one); callers for StatefulSet/DaemonSet
// pass false.
func Observe(ctx context.Context, c client.Client, ns string, selector client.MatchingLabels, container, image string, progressDeadlineExceeded bool) (Observation, error) {
	pods := &corev1.PodList{}
	if err := c.List(ctx, pods, client.InNamespace(ns), selector); err != nil {
		return Observation{}, err
	}

	allReady := len(pods.Items) > 0
	for _, pod := range pods.Items {
		for _, cs := range pod.Status.ContainerStatuses {
			if cs.Name != container || cs.Image != image {
				continue
			}
			if cs.RestartCount > maxRestartsBeforeUnhealthy {
				return Observation{Signal: SignalRestartCountExceeded}, nil
			}
			if cs.State.Waiting != nil {
				switch cs.State.Waiting.Reason {
				case "CrashLoopBackOff":
					return Observation{Signal: SignalCrashLoopBackOff}, nil
				case "ImagePullBackOff", "ErrImagePull":
					return Observation{Signal: SignalImagePullBackOff}, nil
				}
			}
			if !cs.Ready {
				allReady = false
			}
		}
	}

	if progressDeadlineExceeded {
		return Observation{Signal: SignalProgressDeadline}, nil
	}

	if !allReady {
		return Observation{Signal: SignalReadinessTimeout}, nil
	}
	return Observation{Healthy: true}, nil
}

// Window tracks consecutive unhealthy observations against
// healthCheckRetries, implementing spec.md §4.6's "any one is sufficient
// after healthCheckRetries consecutive observations".
type Window struct {
	retries int
	streak  int
	signal  Signal
}

// NewWindow constructs a Window requiring healthCheckRetries consecutive
// failing observations before reporting failed.
func NewWindow(healthCheckRetries int) *Window {
	if healthCheckRetries < 1 {
		healthCheckRetries = 1
	}
	return &Window{retries: healthCheckRetries}
}

// Record folds in one Observation. Returns true once the consecutive-
// failure threshold is reached; the triggering Signal is available via
// Signal().
func (w *Window) Record(obs Observation) bool {
	if obs.Healthy {
		w.streak = 0
		w.signal = SignalNone
		return false
	}
	if obs.Signal == w.signal {
		w.streak++
	} else {
		w.signal = obs.Signal
		w.streak = 1
	}
	return w.streak >= w.retries
}

// Signal returns the signal that most recently moved the streak.
func (w *Window) Signal() Signal { return w.signal }
