// Package cloudevent builds, signs and sends CloudEvents 1.0 in structured
// JSON mode.
package cloudevent

import (
	"errors"
	"time"
)

// Version is the CloudEvents specification version produced here.
const Version = "1.0"

// StructuredContentType is the media type of a structured-mode event body.
const StructuredContentType = "application/cloudevents+json"

// CloudEvent is a structured-mode CloudEvents 1.0 event.
type CloudEvent struct {
	SpecVersion     string         `json:"specversion"`
	Type            string         `json:"type"`
	Source          string         `json:"source"`
	Subject         string         `json:"subject,omitempty"`
	ID              string         `json:"id"`
	Time            time.Time      `json:"time"`
	DataContentType string         `json:"datacontenttype"`
	Data            map[string]any `json:"data"`
}

// New creates an event stamped with the current time.
func New(eventType, source, subject, id string, data map[string]any) *CloudEvent {
	return &CloudEvent{
		SpecVersion:     Version,
		Type:            eventType,
		Source:          source,
		Subject:         subject,
		ID:              id,
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data:            data,
	}
}

// Validate checks the attributes every event must carry.
func (e *CloudEvent) Validate() error {
	var errs []error
	if e.SpecVersion != Version {
		errs = append(errs, errors.New("specversion must be "+Version))
	}
	if e.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if e.Source == "" {
		errs = append(errs, errors.New("source is required"))
	}
	if e.Type == "" {
		errs = append(errs, errors.New("type is required"))
	}
	return errors.Join(errs...)
}
