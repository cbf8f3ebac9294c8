package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/obsidianstack/metricflow/agent/internal/collect"
	"github.com/obsidianstack/metricflow/agent/internal/compute"
	"github.com/obsidianstack/metricflow/agent/internal/config"
	"github.com/obsidianstack/metricflow/agent/internal/source"
)

type pendingCounter interface {
	Pending() int
}

type jobStatus struct {
	collect.CollectionJob
	Health *compute.JobHealth `json:"health,omitempty"`
}

// newRouter serves webhook pushes and a read-mostly status surface.
// Webhook sources with a custom path are mounted at startup; every other
// webhook source is reachable under /webhooks/{id}.
func newRouter(p *collect.Pipeline, srcs []config.Source, ship pendingCounter) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	for _, src := range srcs {
		if src.Type != config.SourceWebhook || src.Path == "" {
			continue
		}
		id := src.ID
		r.Post(source.WebhookPath(src), func(w http.ResponseWriter, req *http.Request) {
			serveWebhook(p, id, w, req)
		})
	}
	r.Post("/webhooks/{id}", func(w http.ResponseWriter, req *http.Request) {
		serveWebhook(p, chi.URLParam(req, "id"), w, req)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		jsonResp(w, http.StatusOK, map[string]any{
			"status":          "ok",
			"jobs":            len(p.Jobs()),
			"pending_batches": ship.Pending(),
		})
	})

	r.Get("/jobs", func(w http.ResponseWriter, _ *http.Request) {
		health := map[string]compute.JobHealth{}
		for _, h := range p.Health() {
			health[h.JobID] = h
		}
		jobs := p.Jobs()
		out := make([]jobStatus, 0, len(jobs))
		for _, j := range jobs {
			st := jobStatus{CollectionJob: j}
			if h, ok := health[j.ID]; ok {
				st.Health = &h
			}
			out = append(out, st)
		}
		jsonResp(w, http.StatusOK, out)
	})

	r.Get("/jobs/{id}/results", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		if _, err := p.Job(id); err != nil {
			jsonErr(w, http.StatusNotFound, err.Error())
			return
		}
		jsonResp(w, http.StatusOK, p.Results(id))
	})

	r.Post("/jobs/{id}/run", func(w http.ResponseWriter, req *http.Request) {
		res, err := p.ExecuteJob(req.Context(), chi.URLParam(req, "id"))
		switch {
		case errors.Is(err, collect.ErrJobNotFound):
			jsonErr(w, http.StatusNotFound, err.Error())
		case errors.Is(err, collect.ErrJobRunning):
			jsonErr(w, http.StatusConflict, err.Error())
		case res != nil:
			// A failed run still produced a result worth returning.
			jsonResp(w, http.StatusOK, res)
		default:
			jsonErr(w, http.StatusInternalServerError, err.Error())
		}
	})

	r.Get("/dead-letter", func(w http.ResponseWriter, _ *http.Request) {
		jsonResp(w, http.StatusOK, p.DeadLetterQueue())
	})

	r.Post("/dead-letter/{id}/requeue", func(w http.ResponseWriter, req *http.Request) {
		err := p.RequeueDeadLetter(chi.URLParam(req, "id"))
		switch {
		case err == nil:
			w.WriteHeader(http.StatusNoContent)
		case errors.Is(err, collect.ErrNotDeadLetter), errors.Is(err, collect.ErrJobNotFound):
			jsonErr(w, http.StatusNotFound, err.Error())
		default:
			jsonErr(w, http.StatusInternalServerError, err.Error())
		}
	})

	return r
}

func serveWebhook(p *collect.Pipeline, id string, w http.ResponseWriter, r *http.Request) {
	h, ok := p.WebhookHandler(id)
	if !ok {
		jsonErr(w, http.StatusNotFound, "unknown webhook source")
		return
	}
	h.ServeHTTP(w, r)
}

func jsonResp(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, map[string]string{"error": msg})
}
