// Package export renders a session report as an XLSX workbook or a PDF
// summary for download from the REST API.
package export
