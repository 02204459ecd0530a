// Package config loads the sink configuration from the `sink:` section of
// a YAML file (other top-level keys, such as the agent's, are ignored).
//
// Config fields:
//   - HTTPPort      : port the ingestion and listing endpoints listen on (default 8080)
//   - Auth.Mode     : "apikey" or "none"
//   - Auth.KeyEnv   : environment variable holding the expected API key
//   - Auth.Header   : HTTP header name (default "x-api-key")
//   - Records.TTL   : how long an accepted record stays listable (default 15m)
//   - Records.Max   : store capacity; the oldest record is evicted first (default 10000)
//   - BodyLimit     : maximum request body in bytes (default 4 MiB)
//
// Load(path) applies defaults before unmarshalling, then validates.
package config
