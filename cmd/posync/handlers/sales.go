package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	apperrors "github.com/kimhsiao/offlinepos/internal/errors"
	"github.com/kimhsiao/offlinepos/internal/logging"
	"github.com/kimhsiao/offlinepos/internal/models"
	"github.com/kimhsiao/offlinepos/internal/router"
	"github.com/kimhsiao/offlinepos/internal/sync/queue"
)

const maxSaleBody = 1 << 20

// SalesHandler records sales and exposes the outbound queue.
type SalesHandler struct {
	router *router.Router
	queue  *queue.Queue
	log    *logging.Logger
}

// NewSalesHandler creates a new SalesHandler.
func NewSalesHandler(rt *router.Router, q *queue.Queue, log *logging.Logger) *SalesHandler {
	return &SalesHandler{router: rt, queue: q, log: log}
}

// Submit handles POST /local/sales
// The body uses the sale form field names (cliente_nombre, productos, total...).
func (h *SalesHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var raw map[string]any
	if err := json.NewDecoder(io.LimitReader(r.Body, maxSaleBody)).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, apperrors.Wrap(apperrors.ErrInvalid, "malformed sale body", err))
		return
	}
	sale, err := models.SaleFromFields(raw)
	if err != nil {
		writeError(w, statusFor(apperrors.CodeOf(err)), err)
		return
	}

	res := h.router.Submit(r.Context(), models.NewSaleTransaction(sale))
	if !res.OK() {
		writeJSON(w, statusFor(apperrors.ErrorCode(res.ErrorCode)), res)
		return
	}
	status := http.StatusOK
	if res.Queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// List handles GET /local/transactions
// Optional param: status (pending|synced|failed_permanent).
func (h *SalesHandler) List(w http.ResponseWriter, r *http.Request) {
	status := models.TransactionStatus(r.URL.Query().Get("status"))
	txns, err := h.queue.List(r.Context(), status)
	if err != nil {
		writeError(w, statusFor(apperrors.CodeOf(err)), err)
		return
	}
	if txns == nil {
		txns = []*models.QueuedTransaction{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": txns,
		"total":        len(txns),
		"pending":      h.queue.PendingCount(),
	})
}

// RetryFailed handles POST /local/transactions/retry-failed
func (h *SalesHandler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	n, err := h.queue.RetryFailed(r.Context())
	if err != nil {
		h.log.Error("Retry of failed transactions failed", err)
		writeError(w, statusFor(apperrors.CodeOf(err)), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"retried": n,
		"pending": h.queue.PendingCount(),
	})
}
