package models

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	apperrors "github.com/kimhsiao/offlinepos/internal/errors"
)

// DefaultCustomerName is used when a sale carries no customer.
const DefaultCustomerName = "Cliente General"

// SaleItem is one line of a sale. ProductID keeps the JSON type it was
// submitted with; Extra keeps every other key of the line.
type SaleItem struct {
	ProductID any            `json:"producto_id,omitempty"`
	Code      string         `json:"codigo,omitempty"`
	Quantity  float64        `json:"cantidad"`
	UnitPrice float64        `json:"precio_unitario"`
	Discount  float64        `json:"descuento,omitempty"`
	Extra     map[string]any `json:"-"`
}

var itemKeys = map[string]bool{
	"producto_id": true, "codigo": true, "cantidad": true, "precio_unitario": true, "descuento": true,
}

type itemAlias SaleItem

// MarshalJSON flattens extra keys next to the typed ones.
func (it SaleItem) MarshalJSON() ([]byte, error) {
	return flatten(itemAlias(it), it.Extra)
}

// UnmarshalJSON accepts the flat object, tolerating numbers sent as strings.
func (it *SaleItem) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	item, err := decodeItem(raw)
	if err != nil {
		return err
	}
	*it = item
	return nil
}

// SalePayload is the typed body of a sale submission.
// Fields keeps any extra form fields the sale form posts; typed
// fields take precedence over entries of the same name.
type SalePayload struct {
	CustomerID    any            `json:"cliente_id,omitempty"`
	CustomerName  string         `json:"cliente_nombre"`
	Items         []SaleItem     `json:"productos,omitempty"`
	PaymentMethod string         `json:"metodo_pago,omitempty"`
	Subtotal      float64        `json:"subtotal,omitempty"`
	Tax           float64        `json:"iva,omitempty"`
	Total         float64        `json:"total"`
	Notes         string         `json:"observaciones,omitempty"`
	Fields        map[string]any `json:"-"`
}

var saleKeys = map[string]bool{
	"cliente_id": true, "cliente_nombre": true, "productos": true, "metodo_pago": true,
	"subtotal": true, "iva": true, "total": true, "observaciones": true,
}

type saleAlias SalePayload

// MarshalJSON flattens extra fields next to the typed ones.
func (s SalePayload) MarshalJSON() ([]byte, error) {
	return flatten(saleAlias(s), s.Fields)
}

// flatten encodes typed and merges extra keys into the same object.
// Typed fields win over extra keys of the same name.
func flatten(typed any, extra map[string]any) ([]byte, error) {
	data, err := json.Marshal(typed)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return data, nil
	}
	var known map[string]json.RawMessage
	if err := json.Unmarshal(data, &known); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(extra)+len(known))
	for k, v := range extra {
		out[k] = v
	}
	for k, v := range known {
		out[k] = v
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts the flat object, tolerating numbers sent as strings.
func (s *SalePayload) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	sale, err := SaleFromFields(raw)
	if err != nil {
		return err
	}
	*s = sale
	return nil
}

// SaleFromFields builds a sale from a decoded JSON object.
func SaleFromFields(raw map[string]any) (SalePayload, error) {
	var s SalePayload
	var err error
	s.CustomerID = raw["cliente_id"]
	s.CustomerName = stringField(raw["cliente_nombre"])
	s.PaymentMethod = stringField(raw["metodo_pago"])
	s.Notes = stringField(raw["observaciones"])
	if s.Subtotal, err = numberField(raw, "subtotal"); err != nil {
		return s, err
	}
	if s.Tax, err = numberField(raw, "iva"); err != nil {
		return s, err
	}
	if s.Total, err = numberField(raw, "total"); err != nil {
		return s, err
	}
	if items, ok := raw["productos"]; ok && items != nil {
		if s.Items, err = decodeItems(items); err != nil {
			return s, err
		}
	}
	for k, v := range raw {
		if saleKeys[k] {
			continue
		}
		if s.Fields == nil {
			s.Fields = make(map[string]any)
		}
		s.Fields[k] = v
	}
	return s, nil
}

// SaleFromForm builds a sale from a form-encoded submission.
// The first value of each key is used; productos may hold a JSON array.
func SaleFromForm(form url.Values) (SalePayload, error) {
	raw := make(map[string]any, len(form))
	for k, vs := range form {
		if len(vs) > 0 {
			raw[k] = vs[0]
		}
	}
	return SaleFromFields(raw)
}

func decodeItems(v any) ([]SaleItem, error) {
	if s, ok := v.(string); ok {
		if strings.TrimSpace(s) == "" {
			return nil, nil
		}
		var arr []any
		if err := json.Unmarshal([]byte(s), &arr); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrValidation, "productos is not a JSON array", err)
		}
		v = arr
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, apperrors.New(apperrors.ErrValidation, "productos must be an array")
	}
	items := make([]SaleItem, 0, len(arr))
	for i, el := range arr {
		m, ok := el.(map[string]any)
		if !ok {
			return nil, apperrors.New(apperrors.ErrValidation, fmt.Sprintf("productos[%d] must be an object", i))
		}
		it, err := decodeItem(m)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, nil
}

func decodeItem(m map[string]any) (SaleItem, error) {
	var it SaleItem
	var err error
	it.ProductID = m["producto_id"]
	if it.Quantity, err = numberField(m, "cantidad"); err != nil {
		return it, err
	}
	if it.UnitPrice, err = numberField(m, "precio_unitario"); err != nil {
		return it, err
	}
	if it.Discount, err = numberField(m, "descuento"); err != nil {
		return it, err
	}
	for k, v := range m {
		if itemKeys[k] {
			continue
		}
		if it.Extra == nil {
			it.Extra = make(map[string]any)
		}
		it.Extra[k] = v
	}
	// a non-string code is replayed as submitted
	switch code := m["codigo"].(type) {
	case nil:
	case string:
		it.Code = code
	default:
		if it.Extra == nil {
			it.Extra = make(map[string]any)
		}
		it.Extra["codigo"] = code
	}
	return it, nil
}

func stringField(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

func numberField(m map[string]any, key string) (float64, error) {
	switch x := m[key].(type) {
	case nil:
		return 0, nil
	case float64:
		return x, nil
	case string:
		x = strings.TrimSpace(x)
		if x == "" {
			return 0, nil
		}
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, apperrors.Wrap(apperrors.ErrValidation, key+" is not a number", err)
		}
		return f, nil
	default:
		return 0, apperrors.New(apperrors.ErrValidation, key+" is not a number")
	}
}

// Normalize applies defaults.
func (s *SalePayload) Normalize() {
	if strings.TrimSpace(s.CustomerName) == "" {
		s.CustomerName = DefaultCustomerName
	}
}

// Validate checks the sale is acceptable for queueing.
func (s *SalePayload) Validate() error {
	if len(s.Items) == 0 && s.Total == 0 {
		return apperrors.New(apperrors.ErrValidation, "sale has neither items nor total")
	}
	if s.Total < 0 {
		return apperrors.New(apperrors.ErrValidation, "sale total must not be negative")
	}
	for i, it := range s.Items {
		if it.Quantity <= 0 {
			return apperrors.New(apperrors.ErrValidation, fmt.Sprintf("item %d: quantity must be positive", i))
		}
		if it.UnitPrice < 0 {
			return apperrors.New(apperrors.ErrValidation, fmt.Sprintf("item %d: unit price must not be negative", i))
		}
	}
	return nil
}

func (s SalePayload) clone() SalePayload {
	if s.Items != nil {
		items := make([]SaleItem, len(s.Items))
		for i, it := range s.Items {
			if it.Extra != nil {
				extra := make(map[string]any, len(it.Extra))
				for k, v := range it.Extra {
					extra[k] = v
				}
				it.Extra = extra
			}
			items[i] = it
		}
		s.Items = items
	}
	if s.Fields != nil {
		f := make(map[string]any, len(s.Fields))
		for k, v := range s.Fields {
			f[k] = v
		}
		s.Fields = f
	}
	return s
}
