// Package uploader delivers session exports to bvscope-server over HTTP
// (POST /api/v1/sessions, multipart field "file").
//
// Send() posts one export, retrying with truncated exponential backoff
// (1s→30s, ±25% jitter) on transport errors and 5xx responses. 4xx responses
// are permanent: the export itself is rejected and retrying cannot help.
//
// In watch mode Ship() is non-blocking: uploads go into an in-memory channel
// and Run() drains it. When the buffer is full the oldest upload is evicted.
//
// Auth: API key header or bearer token, resolved from environment variables.
package uploader
