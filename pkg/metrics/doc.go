// Package metrics exposes the node agent's own Prometheus self-metrics
// (tasks running, reporter send outcomes, naming cache misses) plus a
// small health/readiness registry used by cmd/nodemanager's /health,
// /ready, and /live endpoints. Readiness depends on the naming, reporter,
// and executor components reporting themselves healthy.
package metrics
