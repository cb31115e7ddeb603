// Package metrics defines the Prometheus metrics exported by weir's actors.
//
// Metrics are registered at package init against the default Prometheus
// registry; callers expose them over HTTP themselves (weir does not bundle
// an HTTP server, per the control plane's scope).
package metrics
