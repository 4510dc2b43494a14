package workbench

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/narthex/backend"
	"github.com/hazyhaar/narthex/dataset"
	"github.com/hazyhaar/narthex/kit"
	"github.com/hazyhaar/narthex/shield"
	"github.com/hazyhaar/narthex/tagtree"
	"github.com/hazyhaar/narthex/terms"
)

// Handler returns the HTTP API.
func (w *Workbench) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	for _, mw := range shield.APIStack(w.logger, w.newID) {
		r.Use(mw)
	}

	r.Get("/health", w.handleHealth)
	r.Get("/notices", w.serve(w.ep.notices, func(r *http.Request) (any, error) {
		return &noticesRequest{
			Dataset: r.URL.Query().Get("dataset"),
			Limit:   queryInt(r, "limit", 50),
		}, nil
	}))

	r.Route("/datasets", func(r chi.Router) {
		r.Get("/", w.serve(w.ep.datasets, func(*http.Request) (any, error) {
			return &datasetsRequest{}, nil
		}))
		r.Post("/refresh", w.serveStatus(http.StatusAccepted, w.ep.refresh, func(*http.Request) (any, error) {
			return &datasetsRequest{}, nil
		}))

		r.Route("/{id}", func(r chi.Router) {
			r.Delete("/", w.serve(w.ep.remove, func(r *http.Request) (any, error) {
				return &datasetRequest{Dataset: chi.URLParam(r, "id")}, nil
			}))
			r.Post("/save", w.serveStatus(http.StatusAccepted, w.ep.save, func(r *http.Request) (any, error) {
				return &datasetRequest{Dataset: chi.URLParam(r, "id")}, nil
			}))
			r.Get("/tree", w.serve(w.ep.tree, func(r *http.Request) (any, error) {
				reload, _ := strconv.ParseBool(r.URL.Query().Get("reload"))
				return &treeRequest{Dataset: chi.URLParam(r, "id"), Reload: reload}, nil
			}))
			r.Post("/delimiter", w.serve(w.ep.delimiter, func(r *http.Request) (any, error) {
				var req delimiterRequest
				if err := decodeBody(r, &req); err != nil {
					return nil, err
				}
				req.Dataset = chi.URLParam(r, "id")
				return &req, nil
			}))
			r.Get("/terms", w.serve(w.ep.terms, func(r *http.Request) (any, error) {
				q := r.URL.Query()
				return &TermsRequest{
					Dataset: chi.URLParam(r, "id"),
					Path:    q.Get("path"),
					Size:    queryInt(r, "size", 0),
					Show:    q.Get("show"),
				}, nil
			}))
			r.Post("/records", w.serve(w.ep.records, func(r *http.Request) (any, error) {
				var req RecordsRequest
				if err := decodeBody(r, &req); err != nil {
					return nil, err
				}
				req.Dataset = chi.URLParam(r, "id")
				return &req, nil
			}))
			r.Post("/mappings", w.serve(w.ep.mapping, func(r *http.Request) (any, error) {
				var req MappingRequest
				if err := decodeBody(r, &req); err != nil {
					return nil, err
				}
				req.Dataset = chi.URLParam(r, "id")
				return &req, nil
			}))
			r.Post("/concepts", w.serve(w.ep.concepts, func(r *http.Request) (any, error) {
				var req conceptsRequest
				if err := decodeBody(r, &req); err != nil {
					return nil, err
				}
				req.Dataset = chi.URLParam(r, "id")
				return &req, nil
			}))
		})
	})
	return r
}

func (w *Workbench) handleHealth(rw http.ResponseWriter, _ *http.Request) {
	state := w.client.Breaker().State()
	status := "ok"
	if state == backend.BreakerOpen {
		status = "degraded"
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"status":   status,
		"backend":  state.String(),
		"datasets": len(w.loop.Snapshot()),
	})
}

func (w *Workbench) serve(e kit.Endpoint, decode func(*http.Request) (any, error)) http.HandlerFunc {
	return w.serveStatus(http.StatusOK, e, decode)
}

func (w *Workbench) serveStatus(code int, e kit.Endpoint, decode func(*http.Request) (any, error)) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		req, err := decode(r)
		if err != nil {
			writeError(rw, http.StatusBadRequest, err)
			return
		}
		resp, err := e(kit.WithTransport(r.Context(), "http"), req)
		if err != nil {
			writeError(rw, statusOf(err), err)
			return
		}
		writeJSON(rw, code, resp)
	}
}

// statusOf maps an operation error onto an HTTP status.
func statusOf(err error) int {
	var netErr *backend.NetworkError
	var openErr *backend.ErrCircuitOpen
	var problem *backend.ProblemError
	switch {
	case errors.Is(err, backend.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, backend.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, backend.ErrInvalidName),
		errors.Is(err, dataset.ErrUnknownPath),
		errors.Is(err, dataset.ErrUnknownSize),
		errors.Is(err, terms.ErrInvalidMapping),
		errors.Is(err, tagtree.ErrNoCandidate),
		errors.Is(err, tagtree.ErrNotValueNode),
		errors.Is(err, ErrMissingValue):
		return http.StatusBadRequest
	case errors.Is(err, dataset.ErrSelectionChanged):
		return http.StatusConflict
	case errors.As(err, &openErr):
		return http.StatusServiceUnavailable
	case errors.As(err, &netErr), errors.As(err, &problem):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
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
