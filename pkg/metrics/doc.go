/*
Package metrics provides Prometheus metrics collection and exposition for
fleetsync: bundle rebuild timings, pending-queue depth, and intake/
reconcile/transport counters, plus a generic HealthChecker used by the
admin HTTP surface for /health and /ready.

Handler returns the standard promhttp handler for a process's /metrics
endpoint. Components register their readiness via RegisterComponent
rather than exposing their own health logic.
*/
package metrics
