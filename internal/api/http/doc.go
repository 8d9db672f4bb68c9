// Package http provides the REST surface for sandbox sessions.
//
// Endpoints:
//   - GET    /health             liveness and session counts
//   - GET    /ready              engine reachability and breaker state
//   - POST   /sessions           create a session from a ContainerConfig
//   - GET    /sessions           list sessions
//   - GET    /sessions/:id       one session, refreshed from the engine
//   - POST   /sessions/:id/exec  run a command in the container
//   - DELETE /sessions/:id       stop and remove the container
//
// Errors are returned as {"error": "..."} with a status chosen by StatusFor.
package http
