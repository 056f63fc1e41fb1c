// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package api serves the latest controller snapshot over HTTP
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"

	"github.com/Thermoquad/bagwarmer/pkg/control"
)

// StaleAfter is how old the latest snapshot may be before /healthz fails
const StaleAfter = 5 * time.Second

// Source provides the latest published snapshot
type Source interface {
	Latest() (control.Snapshot, bool)
}

type healthResponse struct {
	Status string `json:"status"`
	Phase  string `json:"phase,omitempty"`
	Age    string `json:"age,omitempty"`
}

// NewRouter returns the status API routes
func NewRouter(src Source) *httprouter.Router {
	router := httprouter.New()
	router.GET("/state", State(src))
	router.GET("/healthz", Health(src, time.Now))
	return router
}

// State returns the latest snapshot as JSON
func State(src Source) httprouter.Handle {
	return func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		snap, ok := src.Latest()
		if !ok {
			http.Error(w, "no state yet", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// Health reports whether the control loop is publishing fresh snapshots
// and is not in a fault phase
func Health(src Source, now func() time.Time) httprouter.Handle {
	return func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		snap, ok := src.Latest()
		if !ok {
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "starting"})
			return
		}

		age := now().Sub(snap.Time)
		resp := healthResponse{Status: "ok", Phase: snap.Session.Phase.String(), Age: age.Round(time.Millisecond).String()}
		code := http.StatusOK
		switch {
		case age > StaleAfter:
			resp.Status = "stale"
			code = http.StatusServiceUnavailable
		case snap.Session.Phase == control.PhaseSensorFault:
			resp.Status = "fault"
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("HTTP response write failed")
	}
}
