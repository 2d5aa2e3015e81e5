// Package observability provides the logger, Prometheus metrics and
// OpenTelemetry tracing used across the provider router.
package observability
