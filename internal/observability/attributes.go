// Package observability exposes pipeline and HTTP metrics through OpenTelemetry.
package observability

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"
)

const (
	attrOutcome  = "outcome"
	attrStage    = "stage"
	attrResource = "resource"
	attrMethod   = "method"
	attrRoute    = "route"
	attrStatus   = "status"
)

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

func stageAttr(stage string) attribute.KeyValue {
	return attribute.String(attrStage, stage)
}

func resourceAttr(resource string) attribute.KeyValue {
	return attribute.String(attrResource, resource)
}

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

// routeAttr expects the matched route template, not the raw path.
func routeAttr(route string) attribute.KeyValue {
	if route == "" {
		route = "unmatched"
	}
	return attribute.String(attrRoute, route)
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}
