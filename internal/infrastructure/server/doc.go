// Package server wires configuration, the engine client, the session
// manager and the HTTP and WebSocket handlers into one gin server.
package server
