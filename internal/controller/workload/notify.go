package workload

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/headwind-sh/headwind/internal/notify"
)

// Notify sends event through sink with a fresh correlation ID and the
// current time stamped, and returns the sink's error unchanged. Delivery is
// best-effort (spec.md §4.7: "no back-pressure into reconciliation"): the
// error is for logging or metrics, not for retrying the reconcile.
func Notify(ctx context.Context, sink notify.Sink, kind notify.Kind, namespace, name, message string) error {
	if sink == nil {
		return nil
	}
	return sink.Send(ctx, notify.Event{
		Kind:          kind,
		Namespace:     namespace,
		Name:          name,
		Message:       message,
		Observed:      time.Now(),
		CorrelationID: uuid.NewString(),
	})
}
