// Package notify implements the best-effort notification Sink of spec.md
// §4.7. The bounded-retry webhook sink is grounded on the same
// jpillora/backoff pacing the teacher's cleanup package uses
// (internal/cmd/cli/cleanup/cleanup.go).
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/jpillora/backoff"

	"github.com/headwind-sh/headwind/internal/metrics"
)

// Kind enumerates the notification event variants spec.md §4.7 lists.
type Kind string

const (
	KindUpdateRequestCreated Kind = "UpdateRequestCreated"
	KindApproved             Kind = "Approved"
	KindRejected             Kind = "Rejected"
	KindApplied              Kind = "Applied"
	KindFailed               Kind = "Failed"
	KindRollbackTriggered    Kind = "RollbackTriggered"
	KindRollbackCompleted    Kind = "RollbackCompleted"
	KindRollbackFailed       Kind = "RollbackFailed"
)

// Event is a single notification payload.
type Event struct {
	Kind      Kind      `json:"kind"`
	Namespace string    `json:"namespace"`
	Name      string    `json:"name"`
	Message   string    `json:"message,omitempty"`
	Observed  time.Time `json:"observedAt"`

	// CorrelationID ties a chain of events (created -> approved -> applied
	// -> rolled back) for a single UpdateRequest together across sinks that
	// don't otherwise share a request identifier.
	CorrelationID string `json:"correlationId,omitempty"`
}

// Sink is implemented by every notification backend.
type Sink interface {
	Send(ctx context.Context, event Event) error
}

// LoggingSink emits events through logr, used as the always-on default
// sink and as a delegate other sinks can wrap.
type LoggingSink struct {
	Log logr.Logger
}

func (s LoggingSink) Send(_ context.Context, event Event) error {
	s.Log.Info("notification", "kind", event.Kind, "namespace", event.Namespace, "name", event.Name, "message", event.Message)
	return nil
}

// WebhookSink POSTs the event as JSON to a configured URL, retrying
// transient failures with bounded backoff (best-effort; spec.md §4.7: "no
// back-pressure into reconciliation").
type WebhookSink struct {
	URL        string
	HTTPClient *http.Client
	MaxRetries int
}

func (s WebhookSink) Send(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	hc := s.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	maxRetries := s.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	b := &backoff.Backoff{Min: 500 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: true}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := hc.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 500 {
				return nil
			}
			lastErr = &httpStatusError{resp.StatusCode}
		} else {
			lastErr = err
		}

		if attempt == maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
	return lastErr
}

type httpStatusError struct{ code int }

func (e *httpStatusError) Error() string {
	return "notify: webhook returned non-2xx/3xx status"
}

// MultiSink fans a single Send out to every delegate, collecting failures
// rather than short-circuiting so one broken sink never silences another.
type MultiSink struct {
	Sinks []Sink
}

func (m MultiSink) Send(ctx context.Context, event Event) error {
	var firstErr error
	for _, s := range m.Sinks {
		if err := s.Send(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// MetricsSink wraps a delegate Sink and records sent-vs-failed dispatch
// outcomes (spec.md §4.7: "A metric differentiates sent vs failed"),
// without affecting the delegate's own best-effort semantics.
type MetricsSink struct {
	Delegate Sink
}

func (m MetricsSink) Send(ctx context.Context, event Event) error {
	err := m.Delegate.Send(ctx, event)
	if err != nil {
		metrics.NotificationsFailed.WithLabelValues(string(event.Kind)).Inc()
	} else {
		metrics.NotificationsSent.WithLabelValues(string(event.Kind)).Inc()
	}
	return err
}
