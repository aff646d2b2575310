package notify

import (
	"cdpipeline/internal/apperrors"
	"cdpipeline/internal/pipeline"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Router dispatches on the scheme of a topic ID: "redis:deploys" goes to the
// publisher registered for "redis" with topic "deploys". Topics without a
// scheme go to the fallback publisher.
type Router struct {
	schemes  map[string]pipeline.Publisher
	fallback pipeline.Publisher
}

// NewRouter creates a router with an optional fallback publisher.
func NewRouter(fallback pipeline.Publisher) *Router {
	return &Router{schemes: make(map[string]pipeline.Publisher), fallback: fallback}
}

// Handle registers p for scheme. Registering a scheme twice replaces it.
func (r *Router) Handle(scheme string, p pipeline.Publisher) *Router {
	r.schemes[scheme] = p
	return r
}

// Schemes returns the registered schemes in order.
func (r *Router) Schemes() []string {
	out := make([]string, 0, len(r.schemes))
	for s := range r.schemes {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Resolve returns the publisher and scheme-less topic for topicID.
func (r *Router) Resolve(topicID string) (pipeline.Publisher, string, error) {
	if scheme, topic, ok := strings.Cut(topicID, ":"); ok {
		if p, found := r.schemes[scheme]; found {
			if topic == "" {
				return nil, "", apperrors.Validation("topicId", fmt.Sprintf("topic %q has an empty name", topicID))
			}
			return p, topic, nil
		}
	}
	if r.fallback == nil {
		return nil, "", apperrors.NotFound("notification topic", topicID)
	}
	return r.fallback, topicID, nil
}

// Publish forwards msg to the publisher owning topicID.
func (r *Router) Publish(ctx context.Context, topicID string, msg *pipeline.Message) error {
	p, topic, err := r.Resolve(topicID)
	if err != nil {
		return err
	}
	return p.Publish(ctx, topic, msg)
}

// Fanout publishes to every publisher and joins their errors.
type Fanout []pipeline.Publisher

// Publish calls every publisher in order, even after a failure.
func (f Fanout) Publish(ctx context.Context, topicID string, msg *pipeline.Message) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, topicID, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ pipeline.Publisher = (*Router)(nil)
	_ pipeline.Publisher = Fanout(nil)
)
