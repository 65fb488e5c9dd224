// Package observability carries the ambient instrumentation shared by the
// gateway clients: structured logging with token redaction, Prometheus
// metrics for connection and heartbeat health, and OpenTelemetry tracing for
// connection attempts.
//
// # Logging
//
// NewLogger builds a *slog.Logger whose handler scrubs credentials before a
// record is written. Account tokens appear in identify frames and in
// configuration files, so any attribute whose key names a secret is replaced
// outright and string values are scanned for token-shaped substrings:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:  "info",
//	    Format: "json",
//	})
//	logger.Info("gateway session identified", "account", "main")
//
// # Metrics
//
// Metrics are registered against a caller-supplied prometheus.Registerer so
// tests can use an isolated registry. Every recording method is safe to call
// on a nil *Metrics, which lets components run without instrumentation:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.HeartbeatSent("main")
//
// # Tracing
//
// NewTracer exports spans over OTLP/gRPC when an endpoint is configured and
// falls back to the global no-op tracer otherwise.
package observability
