// Package cli provides the interactive notesync shell.
//
// App binds the orchestrator, the credential vault and the connectivity
// gate to a line-oriented REPL. The master secret is read from the terminal
// without echo; note bodies are read as multi-line input ending on an empty
// line. Connectivity transitions reported by the gate are printed as they
// happen, and the prompt shows the current mode and queued work.
package cli
