/*
Package proxy bridges one container stream and one WebSocket peer in
structured mode.

Container output is demultiplexed, buffered into lines and relayed as
NDJSON. A partial line is kept until its newline arrives or the stream
ends. Lines that are not JSON objects are treated as stray output and
dropped at debug level; stderr is logged and never parsed.

Peer input is dispatched on its type: prompt and interrupt go to the
container verbatim, ping is answered with pong locally.

When the stream ends the peer gets one terminal message, a success result
on EOF or an error otherwise, and the proxy stops. Stop is safe to call any
number of times and never produces a terminal message of its own.
*/
package proxy
