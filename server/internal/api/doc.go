// Package api implements the HTTP REST API for bvscope-server.
//
// New(opts) returns an http.Handler that serves:
//
//	POST /api/v1/sessions                  evaluate an uploaded export; 201 + full report
//	GET  /api/v1/sessions                  live session summaries (?patient=, ?limit=)
//	GET  /api/v1/sessions/{id}             full report; 404 if unknown or expired
//	GET  /api/v1/sessions/{id}/export.xlsx workbook with summary, indicators and series
//	GET  /api/v1/sessions/{id}/export.pdf  printable report
//	GET  /api/v1/health                    worst label and per-label counts
//	GET  /api/v1/alerts                    firing and recently resolved alerts
//
// The export is sent either as multipart field "file" or as the raw request
// body. Rejected uploads return {"error": ..., "code": ...} where code is one
// of the Code* constants or a compute error kind such as "missing_column".
package api
