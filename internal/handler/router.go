package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/nosey/viewership-pipeline/internal/model"
	"github.com/nosey/viewership-pipeline/internal/store"
)

const maxEventBytes = 1 << 20

// NewRouter wires the invoke endpoint and the run-log API.
func NewRouter(h *Handler, st store.Store, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/invoke", h.ServeHTTP)

	runs := &runsAPI{store: st}
	r.Route("/runs", func(r chi.Router) {
		r.Get("/", runs.list)
		r.Get("/{runID}", runs.get)
	})
	return r
}

// ServeHTTP handles POST /invoke. The response status follows the
// envelope's statusCode.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBytes))
	if err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// A dropped client must not abandon a batch between stages.
	resp := h.Handle(context.WithoutCancel(r.Context()), raw)
	writeJSON(w, resp.StatusCode, resp)
}

type runsAPI struct {
	store store.Store
}

type runDetail struct {
	model.Run
	Phases []model.RunPhase `json:"phases"`
}

func (a *runsAPI) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		Status:   model.RunStatus(q.Get("status")),
		Platform: q.Get("platform"),
		Filename: q.Get("filename"),
	}
	for key, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONError(w, "invalid "+key, http.StatusBadRequest)
			return
		}
		*dst = n
	}

	runs, err := a.store.ListRuns(r.Context(), filter)
	if err != nil {
		zap.L().Error("handler: list runs", zap.Error(err))
		writeJSONError(w, "failed to list runs", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (a *runsAPI) get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")
	run, err := a.store.GetRun(r.Context(), id)
	if eris.Is(err, store.ErrRunNotFound) {
		writeJSONError(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		zap.L().Error("handler: get run", zap.String("run_id", id), zap.Error(err))
		writeJSONError(w, "failed to get run", http.StatusInternalServerError)
		return
	}
	phases, err := a.store.ListPhases(r.Context(), id)
	if err != nil {
		zap.L().Error("handler: list phases", zap.String("run_id", id), zap.Error(err))
		writeJSONError(w, "failed to list phases", http.StatusInternalServerError)
		return
	}
	if phases == nil {
		phases = []model.RunPhase{}
	}
	writeJSON(w, http.StatusOK, runDetail{Run: *run, Phases: phases})
}

func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}
