// Package session owns the lifecycle of sandbox sessions.
//
// Each session is bound to one container. The Manager creates and starts
// the container, attaches to its stdio and tracks the session through
//
//	pending -> starting -> running -> stopped | error
//
// Stopped and error are terminal. Pending and starting may also move
// straight to either terminal state when creation fails or is cancelled.
//
// The attached stream has exactly one owner at a time. Create parks it;
// a relay claims it with TakeStream and hands it back with ReleaseStream,
// after which the next TakeStream re-attaches. Stop closes the stream,
// which ends whoever holds it.
//
// Secrets reach the container as environment variables. Logs carry only
// their names and a keyed fingerprint.
package session
