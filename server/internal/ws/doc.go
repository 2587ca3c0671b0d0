// Package ws implements the WebSocket live feed for bvscope-server.
//
// New(store, interval) creates a Hub. Hub.Run(ctx) broadcasts the session
// feed on every tick and closes all connections when ctx is cancelled.
// Hub.Publish pushes a single new session immediately after upload.
// Hub.ServeHTTP upgrades a connection, sends the current feed at once and
// then streams updates.
//
// Messages sent to clients:
//
//	{"event": "sessions", "data": {"generated_at": ..., "sessions": [...], "counts": {"danger": 1}}}
//	{"event": "session",  "data": {"id": ..., "patient": ..., "worst": ...}}
//
// The endpoint is mounted at /ws/stream by the server.
package ws
