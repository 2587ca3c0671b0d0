// Package render writes a types.Report to a terminal or file.
//
// Formats:
//   - text: summary, indicator table, notes and a five-record preview
//   - json: the report exactly as the server returns it
//   - prom: Prometheus text exposition built from client_model families,
//     suitable for the node_exporter textfile collector
package render
