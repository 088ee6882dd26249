// Package api is the operator HTTP surface of a sync worker: account start and
// stop commands, worker status and Prometheus metrics.
package api

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vdavid/mailsync/internal/auth"
)

// NewRouter wires the admin routes. Commands and status sit behind the admin
// token; the root and /metrics stay open for probes and scrapers.
func NewRouter(accounts *AccountsHandler, adminToken string, logger zerolog.Logger) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", handleRoot).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	admin := r.NewRoute().Subrouter()
	admin.Use(auth.RequireToken(adminToken, logger))
	admin.HandleFunc("/accounts/{id}/start", accounts.StartSync).Methods(http.MethodPost)
	admin.HandleFunc("/accounts/{id}/stop", accounts.StopSync).Methods(http.MethodPost)
	admin.HandleFunc("/accounts/{id}/move", accounts.MoveSync).Methods(http.MethodPost)
	admin.HandleFunc("/status", accounts.Status).Methods(http.MethodGet)
	return r
}

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "mailsync worker is running")
}
