// Package columns defines the ColumnReader variant used to drive a
// LineParser across one whitespace-delimited log line. A Reader is a
// tagged value over a finite Kind set rather than an interface
// hierarchy — the full column list for a source is known at config
// load time, so there is no need for open polymorphism.
package columns
