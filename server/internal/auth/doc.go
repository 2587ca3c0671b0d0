// Package auth provides HTTP authentication middleware for bvscope-server.
//
// Middleware(mode, header, key, secret) accepts either a static API key read
// from the named header (mode "apikey") or an HS256 bearer token (mode "jwt").
// When the mode is "none" or the key/secret is unset, every request passes
// through, which is convenient for local development.
package auth
