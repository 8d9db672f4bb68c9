// Package config provides 12-factor configuration management for the sandbox
// session service.
//
// Values are layered: Default() first, then an optional YAML file named by
// SANDBOX_CONFIG, then environment variables. CLI flags in cmd/server
// override the result.
//
// Configuration Sections:
//   - Server: HTTP listen address
//   - Engine: container engine socket and per-call timeouts
//   - Session: container defaults (image, memory, cpu shares)
//   - Console: scrollback size, keep-alive and default TTY size
//   - Logging: log level and output format
//   - RateLimit: per-IP limit on session creation
//
// Environment Variables:
//   - PORT, HOST
//   - ENGINE_SOCKET, ENGINE_API_TIMEOUT, ENGINE_ATTACH_TIMEOUT,
//     ENGINE_EXEC_CREATE_TIMEOUT, ENGINE_EXEC_TIMEOUT
//   - SANDBOX_IMAGE, SANDBOX_NAME_PREFIX, SANDBOX_MEMORY_LIMIT, SANDBOX_CPU_SHARES
//   - CONSOLE_SCROLLBACK_BYTES, CONSOLE_PING_INTERVAL, CONSOLE_ROWS, CONSOLE_COLS
//   - LOG_LEVEL, LOG_DEV
//   - RATE_LIMIT_RPS, RATE_LIMIT_BURST, RATE_LIMIT_ENABLED
package config
