// Package observability provides the shared logging, metrics, and tracing
// layer for the orchestration backend.
//
// Logging wraps log/slog with secret redaction: records routed through
// Logger have API keys, tokens, and password-shaped values masked before
// they reach the handler. Use Logger.Slog when a collaborator needs a
// plain *slog.Logger and carries no secrets.
//
// Metrics registers Prometheus collectors covering model calls (latency,
// tokens, cost), tool executions, task queue depth and outcomes, HTTP
// traffic, and error counts. NewMetrics registers against the default
// registry once at startup; the serve entrypoint exposes /metrics on the
// metrics port.
//
// Tracing wraps OpenTelemetry: NewTracer returns a Tracer exporting OTLP
// spans when an endpoint is configured and a no-op Tracer otherwise, so
// call sites never need to branch on whether tracing is on. Helper
// methods start pre-labelled spans for model requests and tool runs.
package observability
