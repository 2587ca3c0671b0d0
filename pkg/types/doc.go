// Package types defines the report shared by the bvcheck CLI and the server.
// It is the JSON-facing view of a compute.Evaluation, plus the human-readable
// notes derived from it.
package types
