package app

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// routes builds the full HTTP handler: REST, websocket, probes and metrics behind the middleware chain.
func (a *App) routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)

	r.HandleFunc("/readyz", a.handleReady).Methods(http.MethodGet)

	if a.cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.HandlerFor(a.metrics, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	r.Handle("/games/{gameID}/ws", a.ws).Methods(http.MethodGet)
	a.api.Register(r)

	var h http.Handler = r
	if len(a.cfg.CORSAllowedOrigins) > 0 {
		h = WithCORS(h, a.cfg, a.log)
	}
	h = WithSecurityHeaders(h)
	return WithRequestLogging(h, a.log)
}

func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.draining.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	if a.cfg.ReadinessRequireStore {
		if err := a.pingStore(r.Context(), 2*time.Second); err != nil {
			a.log.Info("readyz.store.not_ready", "store", a.store.driver, "err", err)
			http.Error(w, "store not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}
