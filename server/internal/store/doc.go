// Package store keeps evaluated session reports in memory for the REST API
// and the live feed. Entries expire after a TTL; nothing is persisted.
package store
