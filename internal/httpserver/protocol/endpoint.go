// Package protocol describes groups of HTTP routes that the server mounts together.
package protocol

import "net/http"

// EndpointRoute binds one method and path to a handler.
type EndpointRoute struct {
	Method  string
	Path    string
	Handler http.Handler
}

// Endpoint is a named group of routes, e.g. "anonymous" or "workflow".
type Endpoint interface {
	Name() string
	Routes() []EndpointRoute
}
