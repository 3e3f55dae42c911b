// Package httpserver exposes the registry on HTTP: GET /metrics serves a
// Prometheus text-format exposition (sweeping expired children first),
// and GET / serves a small human-readable index.
package httpserver
