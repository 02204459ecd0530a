// Package config loads and watches the agent configuration file.
//
// Top-level types:
//   - Config{Agent, Report, Replay, Network}: full config tree
//   - AgentConfig: input, state_path, metrics_addr, log_level, user_agent,
//     shutdown_grace
//   - ReportConfig: url, batch_url, transport{type, headers,
//     fallback.priority, timeout, beacon_max_bytes, tls}, aggregator{window,
//     max_batch, dedupe_ttl, dedupe_max_keys, rate_limit_per_minute,
//     fatal_kinds}, retry{enabled, max_attempts, initial_delay, max_delay,
//     backoff_factor, jitter}
//   - ReplayConfig: session replay buffer limits, filters and compression
//   - NetworkConfig: HTTP capture interceptor settings
//
// Load(path) reads YAML (or JSON/JSONC for .json and .jsonc files), applies
// defaults, then validates every field once. The resulting Config is treated
// as immutable by the pipeline.
//
// Watch(ctx, path, onChange) uses fsnotify to detect file changes and calls
// onChange with the newly parsed Config. The agent only applies the log
// level live; pipeline settings take effect on restart.
package config
