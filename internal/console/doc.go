/*
Package console is the viewer side of console mode.

A Client holds one WebSocket connection to a session's console. Server
frames carry base64 terminal output; each frame is checked for a string
payload, base64 alphabet, padding, length and the 1 MiB cap before it is
decoded, and the bytes are turned into text by a UTF-8 decoder that lives
as long as the connection, so characters split across frames come out
whole. Frames that fail a check are dropped and reported as DecodeError.

Errors are throttled: at most ErrorLimit per ErrorWindow reach OnError,
then ErrThrottled is reported once until the stream has been quiet for a
full window.

The connection is kept alive with pings. After an abnormal close the
client reconnects with a fixed delay, a bounded number of times; normal
and going-away closes, and Disconnect, never reconnect.
*/
package console
