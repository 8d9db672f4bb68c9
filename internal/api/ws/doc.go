// Package ws serves the two WebSocket surfaces of a session.
//
// /ws/sessions/:id relays a structured (non-TTY) session: the container's
// NDJSON output goes to the client line by line, and prompt, interrupt and
// ping messages come back. One client owns the stream at a time.
//
// /ws/console/:id attaches a viewer to a console (TTY) session. The
// viewer first receives a snapshot of the scrollback with the current
// dimensions, then base64 output frames. Input and resize frames flow back;
// only the active viewer may resize. Any number of viewers may watch.
//
// Both endpoints claim the session before upgrading, so unknown or busy
// sessions are answered with a plain HTTP error.
package ws
