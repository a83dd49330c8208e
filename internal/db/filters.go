package db

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"
)

// Filter represents a single query condition over a JSON document.
type Filter interface {
	// SQL returns the SQL fragment for this filter
	SQL() string

	// Args returns the arguments for this filter
	Args() []interface{}

	// Match evaluates the filter against a decoded document
	Match(doc map[string]any) bool

	// Valid checks if the filter is valid
	Valid() bool
}

// fieldPath accepts dotted JSON paths such as "categoria.id".
var fieldPath = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

func jsonExtract(field string) string {
	return "json_extract(data, '$." + field + "')"
}

// lookup walks a dotted path through nested objects.
func lookup(doc map[string]any, field string) (any, bool) {
	var cur any = doc
	for _, part := range strings.Split(field, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// FieldEquals matches documents whose field equals Value.
type FieldEquals struct {
	Field string
	Value interface{}
}

// Valid checks the field path is well formed.
func (f *FieldEquals) Valid() bool {
	return fieldPath.MatchString(f.Field)
}

// SQL returns the SQL fragment for equality.
func (f *FieldEquals) SQL() string {
	return jsonExtract(f.Field) + " = ?"
}

// Args returns the arguments for equality.
func (f *FieldEquals) Args() []interface{} {
	return []interface{}{sqlValue(f.Value)}
}

// Match evaluates equality against a decoded document.
func (f *FieldEquals) Match(doc map[string]any) bool {
	v, ok := lookup(doc, f.Field)
	return ok && equalValues(v, f.Value)
}

// FieldIn matches documents whose field equals any of Values.
type FieldIn struct {
	Field  string
	Values []interface{}
}

// Valid checks the field path and that at least one value is given.
func (f *FieldIn) Valid() bool {
	return fieldPath.MatchString(f.Field) && len(f.Values) > 0
}

// SQL returns the SQL fragment for set membership.
func (f *FieldIn) SQL() string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(f.Values)), ", ")
	return fmt.Sprintf("%s IN (%s)", jsonExtract(f.Field), placeholders)
}

// Args returns the arguments for set membership.
func (f *FieldIn) Args() []interface{} {
	args := make([]interface{}, len(f.Values))
	for i, v := range f.Values {
		args[i] = sqlValue(v)
	}
	return args
}

// Match evaluates set membership against a decoded document.
func (f *FieldIn) Match(doc map[string]any) bool {
	v, ok := lookup(doc, f.Field)
	if !ok {
		return false
	}
	for _, want := range f.Values {
		if equalValues(v, want) {
			return true
		}
	}
	return false
}

// sqlValue converts named string and bool types into driver values.
// json_extract yields 1/0 for JSON booleans.
func sqlValue(v interface{}) interface{} {
	if b, ok := v.(bool); ok {
		if b {
			return 1
		}
		return 0
	}
	if s, ok := asString(v); ok {
		return s
	}
	return v
}

// asString accepts string and named string types such as
// models.TransactionStatus.
func asString(v any) (string, bool) {
	if _, ok := v.(json.Number); ok {
		return "", false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.String {
		return rv.String(), true
	}
	return "", false
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	}
	return 0, false
}

func equalValues(doc, want any) bool {
	if a, ok := toFloat(doc); ok {
		b, ok := toFloat(want)
		return ok && a == b
	}
	if a, ok := doc.(bool); ok {
		b, ok := want.(bool)
		return ok && a == b
	}
	if a, ok := doc.(string); ok {
		b, ok := asString(want)
		return ok && a == b
	}
	return false
}
