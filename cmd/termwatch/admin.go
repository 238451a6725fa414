package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/termwatch/shield"
	"github.com/hazyhaar/termwatch/termwatch"
)

func newRouter(svc *termwatch.Service, cfg termwatch.AdminConfig) http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.AdminStack(shield.Config{
		Token:     cfg.Token,
		RateLimit: cfg.RateLimit,
		Public:    []string{"/health"},
	}) {
		r.Use(mw)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Post("/scan", func(w http.ResponseWriter, r *http.Request) {
			if err := svc.TriggerScan(r.Context()); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "status": svc.SchedulerStatus()})
		})

		r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, 200, svc.SchedulerStatus())
		})

		r.Get("/runs", func(w http.ResponseWriter, r *http.Request) {
			runs, err := svc.ListScanRuns(r.Context(), queryInt(r, "limit", 50))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 200, runs)
		})

		r.Get("/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
			run, err := svc.GetScanRun(r.Context(), chi.URLParam(r, "id"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 200, run)
		})

		r.Get("/documents", func(w http.ResponseWriter, r *http.Request) {
			docs, err := svc.ListDocuments(r.Context())
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 200, docs)
		})

		r.Put("/documents/{id}/active", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Active *bool `json:"active"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Active == nil {
				writeError(w, termwatch.ErrInvalidInput)
				return
			}
			if err := svc.SetDocumentActive(r.Context(), chi.URLParam(r, "id"), *req.Active); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 200, map[string]bool{"active": *req.Active})
		})

		r.Post("/documents/{id}/scan", func(w http.ResponseWriter, r *http.Request) {
			res, err := svc.ScanDocument(r.Context(), chi.URLParam(r, "id"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 200, res)
		})

		r.Get("/documents/{id}/snapshots", func(w http.ResponseWriter, r *http.Request) {
			since, until, err := timeParams(r)
			if err != nil {
				writeError(w, err)
				return
			}
			snaps, err := svc.ListSnapshots(r.Context(), chi.URLParam(r, "id"), since, until, queryInt(r, "limit", 0))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 200, snaps)
		})

		r.Get("/documents/{id}/changes", func(w http.ResponseWriter, r *http.Request) {
			listChanges(svc, w, r, chi.URLParam(r, "id"))
		})

		r.Get("/changes", func(w http.ResponseWriter, r *http.Request) {
			listChanges(svc, w, r, "")
		})

		r.Get("/changes/{id}", func(w http.ResponseWriter, r *http.Request) {
			c, err := svc.GetChange(r.Context(), chi.URLParam(r, "id"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 200, c)
		})

		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			since, until, err := timeParams(r)
			if err != nil {
				writeError(w, err)
				return
			}
			points, err := svc.QueryMetrics(r.Context(), r.URL.Query().Get("name"), since, until, queryInt(r, "limit", 0))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 200, points)
		})

		r.Post("/digest/{frequency}", func(w http.ResponseWriter, r *http.Request) {
			n, err := svc.FlushDigest(r.Context(), chi.URLParam(r, "frequency"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 200, map[string]int{"sent": n})
		})
	})
	return r
}

func listChanges(svc *termwatch.Service, w http.ResponseWriter, r *http.Request, documentID string) {
	since, until, err := timeParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	changes, err := svc.ListChanges(r.Context(), documentID, since, until, queryInt(r, "limit", 0))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, changes)
}

// timeParams reads the RFC 3339 since/until query parameters.
func timeParams(r *http.Request) (since, until time.Time, err error) {
	q := r.URL.Query()
	if s := q.Get("since"); s != "" {
		if since, err = time.Parse(time.RFC3339, s); err != nil {
			return since, until, termwatch.ErrInvalidInput
		}
	}
	if s := q.Get("until"); s != "" {
		if until, err = time.Parse(time.RFC3339, s); err != nil {
			return since, until, termwatch.ErrInvalidInput
		}
	}
	return since, until, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, termwatch.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, termwatch.ErrInvalidInput):
		code = http.StatusBadRequest
	case errors.Is(err, termwatch.ErrScanInFlight):
		code = http.StatusConflict
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
