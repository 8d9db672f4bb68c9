// Command sandboxctl is a client for the sandbox session server.
//
// It creates, lists, inspects and stops sessions over the REST API and
// attaches the local terminal to an interactive session's console:
//
//	sandboxctl create --tty --repo https://github.com/org/repo
//	sandboxctl console 01HZX...
//	sandboxctl exec 01HZX... -- git status
package main
