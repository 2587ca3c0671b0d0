// Package watcher watches the console export directory and hands each new
// export to a callback once the file has stopped changing.
//
// The console writes exports in several chunks, so every Create or Write event
// restarts a per-file settle timer; the callback runs when the timer fires.
// Files already present when Run starts are ignored.
package watcher
