package httpserver

import (
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/obsidianstack/sshmetrics/internal/registry"
)

// Handler serves GET /metrics (Prometheus text exposition) and GET /
// (a small human index). It owns no state beyond the registry reference.
type Handler struct {
	reg     *registry.Registry
	promReg *prometheus.Registry
	mux     *http.ServeMux
}

// New wires reg into a standalone prometheus.Registry (reg implements
// prometheus.Collector but not Gatherer, so promhttp needs the wrapper)
// and registers the HTTP routes.
func New(reg *registry.Registry) (*Handler, error) {
	promReg := prometheus.NewRegistry()
	if err := promReg.Register(reg); err != nil {
		return nil, fmt.Errorf("httpserver: register collector: %w", err)
	}

	h := &Handler{reg: reg, promReg: promReg, mux: http.NewServeMux()}
	h.mux.HandleFunc("/", h.index)
	h.mux.Handle("/metrics", h.metricsHandler())
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// metricsHandler sweeps expired children with now = wall clock, then
// delegates to promhttp for the text exposition.
func (h *Handler) metricsHandler() http.Handler {
	inner := promhttp.HandlerFor(h.promReg, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.reg.Sweep(time.Now())
		inner.ServeHTTP(w, r)
	})
}

// index serves a minimal summary of every target the registry has seen a
// connection event for, alongside its current connected state.
func (h *Handler) index(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, h.reg.TargetStatuses()); err != nil {
		http.Error(w, fmt.Sprintf("render index: %v", err), http.StatusInternalServerError)
	}
}

var indexTemplate = template.Must(template.New("index").Parse(`<!doctype html>
<html>
<head><title>sshmetrics</title></head>
<body>
<h1>sshmetrics</h1>
<p><a href="/metrics">/metrics</a></p>
<table border="1" cellpadding="4">
<tr><th>environment</th><th>host</th><th>connected</th></tr>
{{range .}}<tr><td>{{.Environment}}</td><td>{{.Host}}</td><td>{{if .Connected}}yes{{else}}no{{end}}</td></tr>
{{else}}<tr><td colspan="3">no targets yet</td></tr>
{{end}}
</table>
</body>
</html>
`))
