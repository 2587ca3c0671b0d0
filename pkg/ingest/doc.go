// Package ingest decodes dialysis console exports into compute.Table values.
//
// Console exports are Shift_JIS encoded CSV. The file is decoded with
// golang.org/x/text before parsing; UTF-8 is accepted when requested
// explicitly. No numeric parsing happens here: cells are handed to the
// column mapper as text so malformed values are reported with their
// record index.
package ingest
