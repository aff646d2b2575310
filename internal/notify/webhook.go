package notify

import (
	"cdpipeline/internal/apperrors"
	"cdpipeline/internal/dispatcher"
	"cdpipeline/internal/pipeline"
	"cdpipeline/pkg/cloudevent"
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// EventSource is the CloudEvents source of run notifications.
const EventSource = "cdpipeline/engine"

// WebhookTarget is where one topic is delivered.
type WebhookTarget struct {
	URL        string `json:"url" yaml:"url"`
	SigningKey string `json:"-" yaml:"signingKey"`
}

// Webhook hands run messages to a dispatcher as CloudEvents. Publish returns
// once the event is queued; delivery, retries and signing happen asynchronously.
type Webhook struct {
	dispatcher dispatcher.Dispatcher
	targets    map[string]WebhookTarget
}

// NewWebhook creates a webhook publisher with topic -> target routing.
func NewWebhook(d dispatcher.Dispatcher, targets map[string]WebhookTarget) *Webhook {
	return &Webhook{dispatcher: d, targets: targets}
}

// Publish queues msg for the topic's URL.
func (w *Webhook) Publish(_ context.Context, topicID string, msg *pipeline.Message) error {
	target, ok := w.targets[topicID]
	if !ok {
		return apperrors.NotFound("webhook topic", topicID)
	}

	event, err := RunEvent(msg)
	if err != nil {
		return err
	}
	if err := w.dispatcher.Dispatch(&dispatcher.Event{
		Payload:    event,
		URL:        target.URL,
		SigningKey: target.SigningKey,
	}); err != nil {
		return fmt.Errorf("webhook %s: %w", topicID, err)
	}
	return nil
}

// RunEvent converts a run message to a CloudEvent of type
// pipeline.run.<state>, with the pipeline as subject and the run ID as event ID.
func RunEvent(msg *pipeline.Message) (*cloudevent.CloudEvent, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("webhook: marshal message: %w", err)
	}
	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("webhook: convert message: %w", err)
	}
	eventType := "pipeline.run." + strings.ToLower(string(msg.State))
	return cloudevent.New(eventType, EventSource, msg.Pipeline, msg.RunID, data), nil
}

var _ pipeline.Publisher = (*Webhook)(nil)
