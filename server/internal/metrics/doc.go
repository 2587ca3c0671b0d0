// Package metrics exposes server-side Prometheus metrics: evaluated and
// rejected sessions, indicator distributions, alert transitions and exports.
package metrics
