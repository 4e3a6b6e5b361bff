// ABOUTME: Package alerts evaluates metric snapshots against alert thresholds.
// ABOUTME: It opens and resolves deduplicated alerts through the store.

// Package alerts implements threshold evaluation for incoming telemetry.
//
// Each server has its own open-alert index keyed by metric type. The index is
// loaded lazily from the store on first evaluation, so at most one unresolved
// alert exists per (server, metric) even across restarts. A breach with an
// alert already open does nothing; a recovered metric resolves its open alert
// exactly once.
//
// Network thresholds are never evaluated because snapshots carry byte
// counters, not percentages.
package alerts
