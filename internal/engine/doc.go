/*
Package engine talks to the container engine over its Unix control socket.

# Calls

Lifecycle calls (create, start, stop, remove, resize) use resty. Inspect,
list and ping are idempotent and go through a retrying client. Attach and
exec are raw HTTP/1.1 exchanges on a fresh connection per call:

	POST /containers/{id}/attach?stream=1&stdin=1&stdout=1&stderr=1
	Connection: Upgrade
	Upgrade: tcp

On 101 (or 200 from older engines) the connection becomes the container's
stdio. Bytes that arrived with the response head are replayed before the
socket is read again. Attach and exec are never retried; every call shares
one circuit breaker.

# Framing

Non-TTY output is multiplexed:

	[type:1][reserved:3][length:4 big-endian][payload:length]

Demuxer and FrameReader decode it across arbitrary read boundaries. TTY
output is raw. The choice comes from the TTY flag the container was created
with, never from inspecting the bytes.

# Errors

ConnectionError (dial, deadline, circuit open), ProtocolError (malformed
head, broken chunking, bad JSON) and StatusError (unexpected status, with
ErrNotFound and ErrConflict matching via errors.Is).
*/
package engine
