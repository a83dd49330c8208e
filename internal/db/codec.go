package db

import (
	"context"
	"encoding/json"

	apperrors "github.com/kimhsiao/offlinepos/internal/errors"
)

// Encode marshals v into a record stored under key.
func Encode(key string, v any) (Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Record{}, apperrors.Wrap(apperrors.ErrInvalid, "encode "+key, err)
	}
	return Record{Key: key, Data: data}, nil
}

// Decode unmarshals one record into T.
func Decode[T any](rec Record) (T, error) {
	var v T
	if err := json.Unmarshal(rec.Data, &v); err != nil {
		return v, apperrors.Wrap(apperrors.ErrInvalid, "decode "+rec.Key, err)
	}
	return v, nil
}

// DecodeAll unmarshals records into T, preserving order.
func DecodeAll[T any](recs []Record) ([]T, error) {
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		v, err := Decode[T](rec)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// GetAs reads one record and decodes it.
func GetAs[T any](ctx context.Context, s Store, collection, key string) (T, error) {
	rec, err := s.GetByKey(ctx, collection, key)
	if err != nil {
		var zero T
		return zero, err
	}
	return Decode[T](rec)
}

// PutAs encodes v and writes it under key.
func PutAs(ctx context.Context, s Store, collection, key string, v any) error {
	rec, err := Encode(key, v)
	if err != nil {
		return err
	}
	return s.Put(ctx, collection, rec)
}
