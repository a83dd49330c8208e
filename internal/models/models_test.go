// Package models tests for data model definitions.
package models

import (
	"encoding/json"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/offlinepos/internal/errors"
)

// =====================================================
// SalePayload Tests
// =====================================================

// TestSalePayload_Validate verifies enqueue-time validation rules.
func TestSalePayload_Validate(t *testing.T) {
	tests := []struct {
		name    string
		sale    SalePayload
		wantErr bool
	}{
		{"total only", SalePayload{Total: 45.50}, false},
		{"items only", SalePayload{Items: []SaleItem{{ProductID: "1", Quantity: 2, UnitPrice: 1.5}}}, false},
		{"empty", SalePayload{}, true},
		{"negative total", SalePayload{Total: -1}, true},
		{"zero quantity", SalePayload{Total: 3, Items: []SaleItem{{ProductID: "1", Quantity: 0}}}, true},
		{"negative price", SalePayload{Total: 3, Items: []SaleItem{{ProductID: "1", Quantity: 1, UnitPrice: -2}}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sale.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !apperrors.Is(err, apperrors.ErrValidation) {
				t.Errorf("Validate() code = %s, want %s", apperrors.CodeOf(err), apperrors.ErrValidation)
			}
		})
	}
}

// TestSalePayload_Normalize verifies the default customer name.
func TestSalePayload_Normalize(t *testing.T) {
	s := SalePayload{Total: 10}
	s.Normalize()
	assert.Equal(t, DefaultCustomerName, s.CustomerName)

	s = SalePayload{CustomerName: "Ana", Total: 10}
	s.Normalize()
	assert.Equal(t, "Ana", s.CustomerName)
}

// TestSalePayload_JSONFlattensFields verifies extra form fields travel in the flat body.
func TestSalePayload_JSONFlattensFields(t *testing.T) {
	s := SalePayload{
		CustomerName: "Cliente General",
		Total:        45.5,
		Fields:       map[string]any{"caja": "2", "total": "ignored"},
	}

	data, err := json.Marshal(s)
	require.NoError(t, err)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(data, &flat))
	assert.Equal(t, "2", flat["caja"])
	assert.Equal(t, 45.5, flat["total"])
	assert.Equal(t, "Cliente General", flat["cliente_nombre"])

	var back SalePayload
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, 45.5, back.Total)
	assert.Equal(t, "2", back.Fields["caja"])
}

// TestSalePayload_replayBodyVerbatim verifies the replayed body keeps
// every submitted line key and the submitted JSON types of ids, also
// after the queued record is stored and read back.
func TestSalePayload_replayBodyVerbatim(t *testing.T) {
	submitted := `{
		"cliente_id": 12,
		"cliente_nombre": "Ana",
		"total": 10,
		"caja": "2",
		"productos": [{
			"producto_id": 7,
			"codigo": "750100",
			"cantidad": 1,
			"precio_unitario": 10,
			"descuento": 0.5,
			"iva_porcentaje": 12,
			"lote": "L-9"
		}]
	}`

	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(submitted), &raw))
	sale, err := SaleFromFields(raw)
	require.NoError(t, err)
	require.Len(t, sale.Items, 1)
	assert.Equal(t, "L-9", sale.Items[0].Extra["lote"])

	payload := NewSaleTransaction(sale)
	body, err := payload.Body()
	require.NoError(t, err)
	assert.JSONEq(t, submitted, string(body))

	stored, err := json.Marshal(payload)
	require.NoError(t, err)
	var restored TransactionPayload
	require.NoError(t, json.Unmarshal(stored, &restored))
	replayed, err := restored.Body()
	require.NoError(t, err)
	assert.JSONEq(t, submitted, string(replayed))

	clone := restored.Clone()
	clone.Sale.Items[0].Extra["lote"] = "changed"
	assert.Equal(t, "L-9", restored.Sale.Items[0].Extra["lote"])
}

// TestSaleItem_nonStringCode verifies a numeric code is replayed as a number.
func TestSaleItem_nonStringCode(t *testing.T) {
	var it SaleItem
	require.NoError(t, json.Unmarshal([]byte(`{"producto_id":"7","codigo":750100,"cantidad":2,"precio_unitario":1}`), &it))
	assert.Equal(t, "7", it.ProductID)
	assert.Empty(t, it.Code)

	data, err := json.Marshal(it)
	require.NoError(t, err)
	assert.JSONEq(t, `{"producto_id":"7","codigo":750100,"cantidad":2,"precio_unitario":1}`, string(data))
}

// TestSaleFromForm verifies form fields with string numbers are parsed.
func TestSaleFromForm(t *testing.T) {
	form := url.Values{
		"cliente_nombre":      {"Maria"},
		"total":               {"12.75"},
		"productos":           {`[{"producto_id":"7","cantidad":"3","precio_unitario":4.25}]`},
		"csrfmiddlewaretoken": {"tok"},
	}

	s, err := SaleFromForm(form)
	require.NoError(t, err)
	assert.Equal(t, "Maria", s.CustomerName)
	assert.Equal(t, 12.75, s.Total)
	require.Len(t, s.Items, 1)
	assert.Equal(t, "7", s.Items[0].ProductID)
	assert.Equal(t, 3.0, s.Items[0].Quantity)
	assert.Equal(t, "tok", s.Fields["csrfmiddlewaretoken"])
}

// TestSaleFromForm_badNumber verifies a non-numeric total is a validation error.
func TestSaleFromForm_badNumber(t *testing.T) {
	_, err := SaleFromForm(url.Values{"total": {"abc"}})
	if !apperrors.Is(err, apperrors.ErrValidation) {
		t.Errorf("SaleFromForm() error = %v, want VALIDATION_ERROR", err)
	}
}

// =====================================================
// TransactionPayload Tests
// =====================================================

// TestTransactionPayload_Validate verifies kind dispatch.
func TestTransactionPayload_Validate(t *testing.T) {
	ok := NewSaleTransaction(SalePayload{Total: 1})
	assert.NoError(t, ok.Validate())

	missing := TransactionPayload{Kind: KindSale}
	assert.Error(t, missing.Validate())

	unknown := TransactionPayload{Kind: "refund"}
	assert.Error(t, unknown.Validate())

	empty := TransactionPayload{}
	assert.Error(t, empty.Validate())
}

// TestTransactionPayload_Body verifies the sale body is the flat sale object.
func TestTransactionPayload_Body(t *testing.T) {
	p := NewSaleTransaction(SalePayload{CustomerName: "Cliente General", Total: 45.5})
	body, err := p.Body()
	require.NoError(t, err)
	assert.JSONEq(t, `{"cliente_nombre":"Cliente General","total":45.5}`, string(body))
}

// TestQueuedTransaction_Clone verifies clones do not share mutable state.
func TestQueuedTransaction_Clone(t *testing.T) {
	at := int64(5)
	orig := &QueuedTransaction{
		ID:            "offline_1_abcdefghi",
		Payload:       NewSaleTransaction(SalePayload{Total: 1, Items: []SaleItem{{ProductID: "1", Quantity: 1}}}),
		LastAttemptAt: &at,
	}

	c := orig.Clone()
	*c.LastAttemptAt = 9
	c.Payload.Sale.Items[0].Quantity = 4
	c.Payload.Sale.Total = 99

	assert.Equal(t, int64(5), *orig.LastAttemptAt)
	assert.Equal(t, 1.0, orig.Payload.Sale.Items[0].Quantity)
	assert.Equal(t, 1.0, orig.Total())
}

// =====================================================
// Reference data Tests
// =====================================================

// TestCachedProduct_decodeServerShape verifies the server cache record decodes.
func TestCachedProduct_decodeServerShape(t *testing.T) {
	raw := `{"id":12,"codigo_principal":"7861","codigo_auxiliar":"","nombre":"Coca Cola 1L",
		"precio_venta":1.25,"stock":0,"categoria":{"id":3,"nombre":"Bebidas"},
		"marca":{"id":0,"nombre":""},"searchable_text":"7861  coca cola 1l ",
		"agotado":true,"cache_timestamp":"","cache_version":"1.0"}`

	var p CachedProduct
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	assert.Equal(t, "12", p.Key())
	assert.Equal(t, int64(3), p.Category.ID)
	assert.True(t, p.OutOfStock)
	assert.Equal(t, "1.0", p.ServerCacheVersion)
	assert.Zero(t, p.CacheTimestamp)
}

// TestSnapshotMetadata_Marker verifies the marker fallback.
func TestSnapshotMetadata_Marker(t *testing.T) {
	var nilMeta *SnapshotMetadata
	assert.Equal(t, "unversioned", nilMeta.Marker())
	assert.Equal(t, "v7", (&SnapshotMetadata{Version: "v7"}).Marker())
}

// TestLastUpdateKey verifies per-type AppState keys.
func TestLastUpdateKey(t *testing.T) {
	assert.Equal(t, "lastProductsCacheUpdate", LastUpdateKey(EntityProducts))
	assert.Equal(t, "lastCustomersCacheUpdate", LastUpdateKey(EntityCustomers))
	assert.False(t, EntityType("orders").Valid())
}
