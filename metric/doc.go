// Package metric provides Prometheus-based metrics collection for the
// PyBrook engine: role lifecycle status, split/generate/resolve counters,
// processing-duration histograms, broker health, and pending-join backlog
// depth.
//
// A MetricsRegistry owns one Prometheus registry plus the engine's core
// Metrics, and doubles as a MetricsRegistrar so individual roles can
// register their own counters/gauges/histograms without reaching for the
// global prometheus.DefaultRegisterer.
//
//	registry := metric.NewMetricsRegistry()
//	core := registry.CoreMetrics()
//	core.RecordRoleStatus("speed", "generator", 2)
//	core.RecordFieldGenerated("speed", "ok")
//
// Exposing the registry over HTTP (a promhttp.Handler wired to
// registry.PrometheusRegistry()) is left to the embedding application —
// this package does not run a server.
package metric
