// Package bus publishes evaluated-session events to NATS for downstream
// consumers such as ward dashboards. Publishing is optional; without a
// configured URL a no-op publisher is used.
package bus
