// Package logging provides structured logging using uber/zap.
//
// The server logs JSON in production and coloured console lines in
// development. sandboxctl uses CLIConfig, which keeps the console encoding
// but writes to stderr so logs never mix with a relayed terminal.
//
// Components receive a *zap.Logger and add their own fields, usually
// session_id.
//
// Secrets injected into sandbox containers are never passed to a logger;
// callers log a fingerprint instead (see the session package).
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	logger.Info("Server starting", zap.String("port", "8080"))
//	logger.With(zap.String("session_id", id)).Debug("Dropped non-protocol line")
package logging
