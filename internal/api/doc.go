// Package api exposes the orchestrator over HTTP: job submission and
// inspection, cancellation, server-sent event streams, healing stats
// and Prometheus metrics.
package api
