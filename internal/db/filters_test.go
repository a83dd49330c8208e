// Package db tests for query filters.
package db

import (
	"encoding/json"
	"testing"
)

type status string

// TestFieldEquals_SQL verifies the SQL fragment and arguments.
func TestFieldEquals_SQL(t *testing.T) {
	f := &FieldEquals{Field: "categoria.id", Value: 3}
	if got := f.SQL(); got != "json_extract(data, '$.categoria.id') = ?" {
		t.Errorf("SQL() = %q", got)
	}
	if args := f.Args(); len(args) != 1 || args[0] != 3 {
		t.Errorf("Args() = %v", args)
	}

	named := &FieldEquals{Field: "status", Value: status("pending")}
	if args := named.Args(); args[0] != "pending" {
		t.Errorf("Args() for named string = %#v, want \"pending\"", args[0])
	}
	if args := (&FieldEquals{Field: "activo", Value: true}).Args(); args[0] != 1 {
		t.Errorf("Args() for bool = %#v, want 1", args[0])
	}
}

// TestFieldIn_SQL verifies placeholder expansion.
func TestFieldIn_SQL(t *testing.T) {
	f := &FieldIn{Field: "status", Values: []interface{}{"a", "b", "c"}}
	if got := f.SQL(); got != "json_extract(data, '$.status') IN (?, ?, ?)" {
		t.Errorf("SQL() = %q", got)
	}
	if (&FieldIn{Field: "status"}).Valid() {
		t.Error("FieldIn without values should be invalid")
	}
}

// TestFilter_Match verifies in-memory evaluation against decoded JSON.
func TestFilter_Match(t *testing.T) {
	doc, err := decodeDoc(json.RawMessage(`{"status":"pending","n":3,"marca":{"id":7},"ok":true}`))
	if err != nil {
		t.Fatalf("decodeDoc failed: %v", err)
	}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"string", &FieldEquals{Field: "status", Value: "pending"}, true},
		{"named string", &FieldEquals{Field: "status", Value: status("pending")}, true},
		{"int vs number", &FieldEquals{Field: "n", Value: 3}, true},
		{"float vs number", &FieldEquals{Field: "n", Value: 3.0}, true},
		{"string vs number", &FieldEquals{Field: "n", Value: "3"}, false},
		{"nested", &FieldEquals{Field: "marca.id", Value: int64(7)}, true},
		{"bool", &FieldEquals{Field: "ok", Value: true}, true},
		{"missing", &FieldEquals{Field: "nope", Value: "x"}, false},
		{"in hit", &FieldIn{Field: "status", Values: []interface{}{"synced", "pending"}}, true},
		{"in miss", &FieldIn{Field: "status", Values: []interface{}{"synced"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Match(doc); got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestFieldEquals_Valid verifies field path validation.
func TestFieldEquals_Valid(t *testing.T) {
	valid := []string{"status", "categoria.id", "_x1"}
	invalid := []string{"", "a..b", "a'b", "1a", "a.b;"}

	for _, f := range valid {
		if !(&FieldEquals{Field: f}).Valid() {
			t.Errorf("Valid(%q) = false, want true", f)
		}
	}
	for _, f := range invalid {
		if (&FieldEquals{Field: f}).Valid() {
			t.Errorf("Valid(%q) = true, want false", f)
		}
	}
}
