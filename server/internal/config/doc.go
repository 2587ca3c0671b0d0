// Package config loads the server-side configuration from the `server:` section
// of config.yaml (the `bvcheck:` key is ignored by the server binary).
//
// Config fields:
//   - HTTPPort       port for the REST API, WebSocket hub and /metrics (default 8080)
//   - MaxUploadBytes cap on one uploaded export (default 8 MiB)
//   - Auth.Mode      "apikey", "jwt" or "none"
//   - Auth.KeyEnv    environment variable holding the expected API key
//   - Auth.SecretEnv environment variable holding the HS256 secret
//   - Reports.TTL    how long an evaluated report stays available (default 24h)
//   - Evaluation     encoding, dry-weight and SBP-drop policies
//   - Alerts         rules and webhook targets
//   - NATS           optional event publication
//
// Load(path) applies defaults before unmarshalling, then validates.
// Watch reloads the file on change so evaluation settings and alert rules
// can be swapped without a restart.
package config
