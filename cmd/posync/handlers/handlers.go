// Package handlers provides the local JSON API used by the POS UI.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kimhsiao/offlinepos/internal/engine"
	apperrors "github.com/kimhsiao/offlinepos/internal/errors"
	"github.com/kimhsiao/offlinepos/internal/logging"
)

// NewRouter mounts every local endpoint under /local. ws may be nil.
func NewRouter(e *engine.Engine, ws http.Handler, log *logging.Logger) chi.Router {
	if log == nil {
		log = logging.Get()
	}
	log = log.Component("api")

	status := NewStatusHandler(e)
	search := NewSearchHandler(e.Router())
	sales := NewSalesHandler(e.Router(), e.Queue(), log)
	sync := NewSyncHandler(e, log)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log))

	r.Route("/local", func(r chi.Router) {
		r.Get("/status", status.Status)
		r.Post("/connectivity", status.SetConnectivity)

		r.Get("/products/search", search.Products)
		r.Get("/products/code/{code}", search.ProductByCode)
		r.Get("/customers/search", search.Customers)

		r.Post("/sales", sales.Submit)
		r.Get("/transactions", sales.List)
		r.Post("/transactions/retry-failed", sales.RetryFailed)

		r.Post("/sync", sync.Sync)
		r.Post("/refresh", sync.Refresh)

		if ws != nil {
			r.Handle("/ws", ws)
		}
	})
	return r
}

func requestLogger(log *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("Request served", map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"duration_ms": time.Since(start).Milliseconds(),
			})
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   err.Error(),
		"code":    string(apperrors.CodeOf(err)),
	})
}

// statusFor maps an error code to an HTTP status.
func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrInvalid, apperrors.ErrValidation:
		return http.StatusBadRequest
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrQueueFull, apperrors.ErrStorageUnavailable:
		return http.StatusServiceUnavailable
	case apperrors.ErrSyncInProgress:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
