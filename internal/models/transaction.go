// Package models provides data model definitions for the offline POS engine.
package models

import (
	"encoding/json"

	apperrors "github.com/kimhsiao/offlinepos/internal/errors"
)

// TransactionStatus is the replay state of a queued transaction.
type TransactionStatus string

const (
	StatusPending         TransactionStatus = "pending"
	StatusSynced          TransactionStatus = "synced"
	StatusFailedPermanent TransactionStatus = "failed_permanent"
)

// Valid reports whether s is a known status.
func (s TransactionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSynced, StatusFailedPermanent:
		return true
	}
	return false
}

// TransactionKind selects the payload variant.
type TransactionKind string

const (
	KindSale TransactionKind = "sale"
)

// TransactionSource records which path recorded the transaction.
type TransactionSource string

const (
	SourceRouter      TransactionSource = "router"
	SourceInterceptor TransactionSource = "interceptor"
)

// QueuedTransaction is a locally durable write awaiting delivery.
// Only pending transactions are visible to replay.
type QueuedTransaction struct {
	ID            string             `json:"id"`
	Kind          TransactionKind    `json:"kind"`
	CreatedAt     int64              `json:"createdAt"`
	Payload       TransactionPayload `json:"payload"`
	Status        TransactionStatus  `json:"status"`
	Attempts      int                `json:"attempts"`
	LastAttemptAt *int64             `json:"lastAttemptAt,omitempty"`
	SyncedAt      *int64             `json:"syncedAt,omitempty"`
	LastError     string             `json:"lastError,omitempty"`
	Source        TransactionSource  `json:"source"`
}

// Clone returns a deep-enough copy for handing out of the queue.
func (t *QueuedTransaction) Clone() *QueuedTransaction {
	c := *t
	if t.LastAttemptAt != nil {
		v := *t.LastAttemptAt
		c.LastAttemptAt = &v
	}
	if t.SyncedAt != nil {
		v := *t.SyncedAt
		c.SyncedAt = &v
	}
	c.Payload = t.Payload.Clone()
	return &c
}

// CustomerName returns the customer shown in confirmations.
func (t *QueuedTransaction) CustomerName() string {
	if t.Payload.Sale != nil {
		return t.Payload.Sale.CustomerName
	}
	return ""
}

// Total returns the transaction total, or 0 for non-sale kinds.
func (t *QueuedTransaction) Total() float64 {
	if t.Payload.Sale != nil {
		return t.Payload.Sale.Total
	}
	return 0
}

// TransactionPayload is a typed variant keyed by Kind.
type TransactionPayload struct {
	Kind TransactionKind `json:"kind"`
	Sale *SalePayload    `json:"sale,omitempty"`
}

// NewSaleTransaction wraps a sale in a payload envelope.
func NewSaleTransaction(sale SalePayload) TransactionPayload {
	return TransactionPayload{Kind: KindSale, Sale: &sale}
}

// Validate checks the payload matches its kind.
func (p *TransactionPayload) Validate() error {
	switch p.Kind {
	case KindSale:
		if p.Sale == nil {
			return apperrors.New(apperrors.ErrValidation, "sale payload missing")
		}
		return p.Sale.Validate()
	case "":
		return apperrors.New(apperrors.ErrValidation, "transaction kind missing")
	default:
		return apperrors.New(apperrors.ErrValidation, "unknown transaction kind: "+string(p.Kind))
	}
}

// Normalize fills defaults before validation.
func (p *TransactionPayload) Normalize() {
	if p.Sale != nil {
		p.Sale.Normalize()
	}
}

// Body renders the request body the server's processing endpoint expects.
func (p *TransactionPayload) Body() ([]byte, error) {
	switch p.Kind {
	case KindSale:
		if p.Sale == nil {
			return nil, apperrors.New(apperrors.ErrValidation, "sale payload missing")
		}
		return json.Marshal(p.Sale)
	default:
		return nil, apperrors.New(apperrors.ErrValidation, "unknown transaction kind: "+string(p.Kind))
	}
}

// Clone copies the payload including the sale's item and field maps.
func (p TransactionPayload) Clone() TransactionPayload {
	if p.Sale == nil {
		return p
	}
	s := p.Sale.clone()
	p.Sale = &s
	return p
}
