package events

import "sync/atomic"

// busCapacity is the bounded channel size from spec.md §4.3.
const busCapacity = 1024

// Bus is a single bounded, drop-oldest fan-out channel shared by ImageEvent
// and ChartEvent producers (webhook ingress, poller) and the single
// fan-out consumer. Modeled on the teacher's channel-based job dispatch in
// pkg/bundlematcher/match.go, adapted to carry a sum type and to track
// overflow explicitly rather than blocking producers.
type Bus struct {
	images     chan ImageEvent
	charts     chan ChartEvent
	overflow   atomic.Uint64
	onOverflow func()
}

// NewBus constructs a Bus with the capacity spec.md §4.3 mandates.
// onOverflow, if non-nil, is invoked once per dropped event (the controller's
// main wires it to internal/metrics' events_dropped_total counter).
func NewBus(onOverflow func()) *Bus {
	return &Bus{
		images:     make(chan ImageEvent, busCapacity),
		charts:     make(chan ChartEvent, busCapacity),
		onOverflow: onOverflow,
	}
}

// PublishImage enqueues an ImageEvent, dropping the oldest queued image
// event if the channel is full.
func (b *Bus) PublishImage(e ImageEvent) {
	for {
		select {
		case b.images <- e:
			return
		default:
		}
		select {
		case <-b.images:
			b.overflow.Add(1)
			if b.onOverflow != nil {
				b.onOverflow()
			}
		default:
			// raced with a consumer draining the channel; retry enqueue
		}
	}
}

// PublishChart enqueues a ChartEvent, dropping the oldest queued chart
// event if the channel is full.
func (b *Bus) PublishChart(e ChartEvent) {
	for {
		select {
		case b.charts <- e:
			return
		default:
		}
		select {
		case <-b.charts:
			b.overflow.Add(1)
			if b.onOverflow != nil {
				b.onOverflow()
			}
		default:
		}
	}
}

// Images returns the receive-only channel of image events for the fan-out
// consumer.
func (b *Bus) Images() <-chan ImageEvent { return b.images }

// Charts returns the receive-only channel of chart events for the fan-out
// consumer.
func (b *Bus) Charts() <-chan ChartEvent { return b.charts }

// Overflow returns the count of events dropped due to a full channel.
func (b *Bus) Overflow() uint64 { return b.overflow.Load() }
