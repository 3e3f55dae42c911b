// Package sshtail dials a remote host over SSH and runs `tail -F` against
// a log file, feeding each line to a parser.LineParser. Worker owns the
// per-target connection lifecycle: Idle, Connecting, Tailing,
// Disconnected, with exponential backoff between attempts.
package sshtail
