package handlers

import (
	"net/http"
	"strconv"

	"github.com/kimhsiao/offlinepos/internal/engine"
	apperrors "github.com/kimhsiao/offlinepos/internal/errors"
	"github.com/kimhsiao/offlinepos/internal/logging"
	"github.com/kimhsiao/offlinepos/internal/models"
	"github.com/kimhsiao/offlinepos/internal/refcache"
	syncpkg "github.com/kimhsiao/offlinepos/internal/sync"
)

// SyncHandler triggers replay and reference data refresh.
type SyncHandler struct {
	engine *engine.Engine
	log    *logging.Logger
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(e *engine.Engine, log *logging.Logger) *SyncHandler {
	return &SyncHandler{engine: e, log: log}
}

// Sync handles POST /local/sync
// With wait=true the pass runs inside the request and its result is
// returned; otherwise it starts in the background.
func (h *SyncHandler) Sync(w http.ResponseWriter, r *http.Request) {
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		res := h.engine.Driver().ReplayAll(r.Context())
		status := http.StatusOK
		switch res.Skipped {
		case syncpkg.SkipInProgress:
			status = http.StatusConflict
		case syncpkg.SkipOffline:
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, res)
		return
	}

	if !h.engine.Scheduler().TriggerSync(r.Context()) {
		writeError(w, http.StatusConflict, apperrors.New(apperrors.ErrSyncInProgress, "sync already running or scheduler stopped"))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"started": true,
		"pending": h.engine.Queue().PendingCount(),
	})
}

// Refresh handles POST /local/refresh
// Params: type (products|customers, default both), force.
func (h *SyncHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	types := models.EntityTypes
	if t := r.URL.Query().Get("type"); t != "" {
		et := models.EntityType(t)
		if !et.Valid() {
			writeError(w, http.StatusBadRequest, apperrors.New(apperrors.ErrInvalid, "unknown type "+t))
			return
		}
		types = []models.EntityType{et}
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	cache := h.engine.Cache()
	results := make([]refcache.RefreshResult, 0, len(types))
	ok := true
	invalidated := 0
	for _, t := range types {
		var res refcache.RefreshResult
		if force {
			res = cache.Refresh(r.Context(), t)
		} else {
			res = cache.RefreshIfStale(r.Context(), t)
		}
		ok = ok && (res.OK || res.Skipped)
		results = append(results, res)

		if res.OK && !res.Skipped && t == models.EntityProducts {
			invalidated += h.invalidateProducts(r)
		}
	}

	status := http.StatusOK
	if !ok {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]interface{}{
		"success":     ok,
		"results":     results,
		"invalidated": invalidated,
	})
}

// invalidateProducts drops cached product API responses so the proxied
// UI does not keep serving a superseded catalog.
func (h *SyncHandler) invalidateProducts(r *http.Request) int {
	proxy := h.engine.Interceptor()
	if proxy == nil {
		return 0
	}
	ep := h.engine.Config().Server.Endpoints
	total := 0
	for _, prefix := range []string{ep.ProductSnapshot, ep.ProductSearch} {
		n, err := proxy.InvalidateDynamic(r.Context(), prefix)
		if err != nil {
			h.log.Warn("Dynamic cache invalidation failed", map[string]interface{}{"prefix": prefix, "error": err.Error()})
			continue
		}
		total += n
	}
	return total
}
