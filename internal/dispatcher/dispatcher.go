// Package dispatcher delivers CloudEvents to webhook endpoints asynchronously,
// with a bounded buffer, retries and a circuit breaker per host.
package dispatcher

import (
	"cdpipeline/pkg/circuitbreaker"
	"cdpipeline/pkg/cloudevent"
	"context"
	"errors"
)

// ErrBufferFull is returned when the buffer is full and the event is dropped.
var ErrBufferFull = errors.New("dispatcher buffer full, event dropped")

// ErrClosed is returned by Dispatch after Close.
var ErrClosed = errors.New("dispatcher is closed")

// Dispatcher handles async delivery of events.
type Dispatcher interface {
	// Dispatch queues an event for async delivery. Non-blocking.
	// Returns ErrBufferFull if the event cannot be queued.
	Dispatch(event *Event) error

	// Stats returns current dispatcher statistics.
	Stats() Stats

	// Close stops accepting events and drains the queue until ctx is done.
	Close(ctx context.Context) error
}

// Event is a CloudEvent bound for one webhook URL.
type Event struct {
	Payload    *cloudevent.CloudEvent
	URL        string
	SigningKey string // HMAC key, empty = unsigned

	// Done, if set, is called once with the final delivery outcome
	// (nil, the last send error, or ErrBufferFull when dropped after requeues).
	Done func(err error)

	requeues int
}

func (e *Event) finish(err error) {
	if e.Done != nil {
		e.Done(err)
	}
}

// Stats holds dispatcher statistics.
type Stats struct {
	QueueDepth    int   `json:"queueDepth"`    // current queue size
	Queued        int64 `json:"queued"`        // total events queued
	Delivered     int64 `json:"delivered"`     // successful deliveries
	Failed        int64 `json:"failed"`        // failed after retries
	Dropped       int64 `json:"dropped"`       // dropped due to full buffer or max requeues
	Requeued      int64 `json:"requeued"`      // requeued due to open circuit
	RetriesTotal  int64 `json:"retriesTotal"`  // total retry attempts
	BreakersTotal int   `json:"breakersTotal"` // total circuit breakers
	BreakersOpen  int   `json:"breakersOpen"`  // currently open breakers

	Tripped []circuitbreaker.Status `json:"tripped,omitempty"` // destinations whose circuit is not closed
}
