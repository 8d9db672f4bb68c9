// Package terminal fans a console session's TTY stream out to WebSocket
// viewers.
//
// A Hub keeps a scrollback ring so a viewer that joins late is first sent
// the recent output, then live output, with nothing lost or repeated in
// between. Any viewer may type; the last one to do so is the active viewer
// and only it may resize the TTY. With no active viewer the first resize
// wins.
package terminal
