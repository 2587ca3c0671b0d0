// Package config loads the bvcheck configuration file (bvcheck.yaml).
//
// Top-level types:
//   - Config{BVCheck}: full config tree parsed from YAML
//   - Settings: encoding, dry_weight_kg, dry_weight_policy, sbp_drop_policy,
//     format, patient, upload, watch
//   - UploadConfig: endpoint, timeout, max_attempts, buffer_size, auth
//   - AuthConfig: mode (apikey|bearer|none), header, key_env, token_env;
//     Key() and Token() resolve from environment variables
//   - WatchConfig: dir, pattern, settle
//
// Load(path) reads the YAML file, applies Default() (shift_jis, column_first,
// standard, text, 10s timeout, 5 attempts), then validates enums and bounds.
// Settings.Evaluation() maps the file onto compute.Config.
package config
