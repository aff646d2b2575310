package pipeline

import (
	"context"
	"maps"
	"time"
)

// Message is the payload published when a run terminates.
type Message struct {
	RunID        string            `json:"runId"`
	Pipeline     string            `json:"pipeline"`
	Revision     string            `json:"revision"`
	State        RunState          `json:"state"`
	FailedStage  string            `json:"failedStage,omitempty"`
	FailedAction string            `json:"failedAction,omitempty"`
	Error        string            `json:"error,omitempty"`
	ErrorKind    string            `json:"errorKind,omitempty"`
	Orphans      []Orphan          `json:"orphans,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
	StartedAt    *time.Time        `json:"startedAt,omitempty"`
	FinishedAt   *time.Time        `json:"finishedAt,omitempty"`
}

// Publisher delivers a message to a topic. Delivery is fire-and-forget from the
// pipeline's point of view: an error is recorded, never retried by the engine.
type Publisher interface {
	Publish(ctx context.Context, topicID string, msg *Message) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, topicID string, msg *Message) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, topicID string, msg *Message) error {
	return f(ctx, topicID, msg)
}

func newMessage(run *Run) *Message {
	s := run.Snapshot()
	return &Message{
		RunID:        s.ID,
		Pipeline:     s.Pipeline,
		Revision:     s.Trigger.Revision,
		State:        s.State,
		FailedStage:  s.FailedStage,
		FailedAction: s.FailedAction,
		Error:        s.Error,
		ErrorKind:    s.ErrorKind,
		Orphans:      s.Orphans,
		Tags:         maps.Clone(run.pipeline.tags),
		StartedAt:    s.StartedAt,
		FinishedAt:   s.FinishedAt,
	}
}
