// Package observability provides metrics for the pipeline service.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod    = "method"
	attrPath      = "path"
	attrStatus    = "status"
	attrImage     = "image"
	attrSuccess   = "success"
	attrPipeline  = "pipeline"
	attrState     = "state"
	attrKind      = "kind"
	attrErrorKind = "error_kind"
	attrDelivered = "delivered"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func imageAttr(image string) attribute.KeyValue {
	return attribute.String(attrImage, image)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

func pipelineAttr(name string) attribute.KeyValue {
	return attribute.String(attrPipeline, name)
}

func stateAttr(state string) attribute.KeyValue {
	return attribute.String(attrState, state)
}

func kindAttr(kind string) attribute.KeyValue {
	return attribute.String(attrKind, kind)
}

func errorKindAttr(kind string) attribute.KeyValue {
	return attribute.String(attrErrorKind, kind)
}

func deliveredAttr(delivered bool) attribute.KeyValue {
	return attribute.Bool(attrDelivered, delivered)
}

// routeTemplates maps path prefixes to the route they belong to, so that ids do
// not become label values.
var routeTemplates = []struct {
	prefix   string
	segments int
	template string
}{
	{prefix: "/v1/runs/", segments: 3, template: "/v1/runs/{runId}"},
	{prefix: "/v1/pipelines/", segments: 4, template: "/v1/pipelines/{pipeline}/runs"},
	{prefix: "/v1/pipelines/", segments: 3, template: "/v1/pipelines/{pipeline}"},
	{prefix: "/v1/changesets/", segments: 4, template: "/v1/changesets/{stack}/{name}"},
}

// normalizePath reduces a route to a bounded label. ServeMux patterns lose
// their method prefix; raw paths have ids replaced with placeholders.
func normalizePath(path string) string {
	if _, route, ok := strings.Cut(path, " "); ok {
		return route
	}
	segments := len(strings.Split(strings.Trim(path, "/"), "/"))
	for _, r := range routeTemplates {
		if strings.HasPrefix(path, r.prefix) && len(path) > len(r.prefix) && segments == r.segments {
			return r.template
		}
	}
	return path
}
