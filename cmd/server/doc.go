// Package main is the entry point for the sandbox session server.
//
// The server creates one container per session through the container
// engine's Unix socket and relays each container's stdio over WebSocket.
//
// Architecture:
//
//	Orchestrator → POST /sessions → Session manager → Container engine
//	Client       ⇄ /ws/sessions/:id (NDJSON)  ⇄ container stdio
//	Viewers      ⇄ /ws/console/:id  (base64)  ⇄ container TTY
//
// Configuration:
//   - Defaults for a local Docker socket
//   - YAML file named by SANDBOX_CONFIG or -config
//   - Environment variables (12-factor)
//   - CLI flags (override everything)
//
// Usage:
//
//	./server -port 8080 -socket /var/run/docker.sock
//
//	# Development mode (colored logs, debug level)
//	./server -dev
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown, stopping every live session
package main
