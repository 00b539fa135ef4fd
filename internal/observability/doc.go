// Package observability exposes channel metrics in the Prometheus format
// and an optional HTTP endpoint that serves them.
package observability
