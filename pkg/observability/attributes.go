package observability

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/sciencegateway/jobgate/pkg/entity"
	"github.com/sciencegateway/jobgate/pkg/errors"
)

const (
	attrResource = "resource"
	attrState    = "state"
	attrFound    = "found"
	attrEndpoint = "endpoint"
	attrOp       = "op"
	attrSuccess  = "success"
	attrMethod   = "method"
	attrRoute    = "route"
	attrStatus   = "status"
)

func resourceAttr(id string) attribute.KeyValue {
	return attribute.String(attrResource, id)
}

func stateAttr(s entity.JobState) attribute.KeyValue {
	return attribute.String(attrState, string(s))
}

func foundAttr(found bool) attribute.KeyValue {
	return attribute.Bool(attrFound, found)
}

// The login user is left out of the label.
func endpointAttr(key entity.EndpointKey) attribute.KeyValue {
	return attribute.String(attrEndpoint, fmt.Sprintf("%s:%d", key.Host, key.Port))
}

func opAttr(cause error) attribute.KeyValue {
	var t *errors.TransportError
	if errors.As(cause, &t) {
		return attribute.String(attrOp, t.Op)
	}
	return attribute.String(attrOp, "unknown")
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

// routeAttr takes the matched route pattern, so IDs never become labels.
func routeAttr(route string) attribute.KeyValue {
	if route == "" {
		route = "unmatched"
	}
	return attribute.String(attrRoute, route)
}

func statusAttr(code int) attribute.KeyValue {
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}
