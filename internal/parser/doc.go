// Package parser drives an ordered columns.Reader list across one log
// line at a time, tokenizing on whitespace (with quote/bracket grouping
// for request and date columns) and feeding the resulting (labels,
// values) into a registry.Registry.
package parser
