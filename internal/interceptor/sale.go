package interceptor

import (
	"bytes"
	"encoding/json"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	apperrors "github.com/kimhsiao/offlinepos/internal/errors"
	"github.com/kimhsiao/offlinepos/internal/models"
)

// queueSale records an undeliverable sale submission and answers the
// client as if the server had accepted it.
func (i *Interceptor) queueSale(w http.ResponseWriter, r *http.Request, body []byte, cause error) {
	sale, err := decodeSale(r.Header.Get("Content-Type"), body)
	if err == nil {
		payload := models.NewSaleTransaction(sale)
		var txn *models.QueuedTransaction
		txn, err = i.queue.Enqueue(r.Context(), payload, models.SourceInterceptor)
		if txn != nil {
			i.log.Info("Sale intercepted and queued", map[string]interface{}{
				"transaction_id": txn.ID,
				"persisted":      err == nil,
				"cause":          apperrors.CodeOf(cause),
			})
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"success":      true,
				"offline":      true,
				"numero_venta": txn.ID,
				"total":        txn.Total(),
				"persisted":    err == nil,
				"message":      "Venta guardada offline. Se sincronizará cuando haya conexión.",
			})
			return
		}
	}

	status := http.StatusInternalServerError
	msg := "Error guardando venta offline"
	switch apperrors.CodeOf(err) {
	case apperrors.ErrValidation, apperrors.ErrInvalid:
		status = http.StatusBadRequest
		msg = "Venta inválida"
	case apperrors.ErrQueueFull:
		status = http.StatusServiceUnavailable
	}
	i.log.Warn("Offline sale rejected", map[string]interface{}{"error": err.Error(), "status": status})
	writeJSON(w, status, map[string]interface{}{
		"error":   msg,
		"detail":  err.Error(),
		"offline": true,
	})
}

// decodeSale accepts JSON, urlencoded and multipart sale bodies.
func decodeSale(contentType string, body []byte) (models.SalePayload, error) {
	mediaType, params, _ := mime.ParseMediaType(contentType)
	if mediaType == "multipart/form-data" {
		form, err := multipart.NewReader(bytes.NewReader(body), params["boundary"]).ReadForm(maxSaleBody)
		if err != nil {
			return models.SalePayload{}, apperrors.Wrap(apperrors.ErrInvalid, "malformed sale form", err)
		}
		defer form.RemoveAll()
		return models.SaleFromForm(url.Values(form.Value))
	}
	if mediaType == "application/json" || (mediaType == "" && strings.HasPrefix(strings.TrimSpace(string(body)), "{")) {
		var raw map[string]any
		if err := json.Unmarshal(body, &raw); err != nil {
			return models.SalePayload{}, apperrors.Wrap(apperrors.ErrInvalid, "malformed sale body", err)
		}
		return models.SaleFromFields(raw)
	}
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return models.SalePayload{}, apperrors.Wrap(apperrors.ErrInvalid, "malformed sale form", err)
	}
	return models.SaleFromForm(form)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
