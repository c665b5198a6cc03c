package models

import (
	"bytes"
	"encoding/json"

	"embedbase/internal/apperrors"
)

// Filter restricts a similarity query on document metadata.
// Only Equals exists today; combinators (And, Or, Range) would implement the
// same interface.
type Filter interface {
	filter()
}

// Equals matches documents whose metadata[Field] equals Value.
type Equals struct {
	Field string
	Value any
}

func (Equals) filter() {}

// ValueJSON returns the canonical JSON encoding of the compared value.
func (e Equals) ValueJSON() (string, error) {
	b, err := json.Marshal(e.Value)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Matches reports whether metadata satisfies the filter. Values are compared
// by their JSON encoding so 1 and 1.0 are the same.
func (e Equals) Matches(metadata map[string]any) bool {
	v, ok := metadata[e.Field]
	if !ok {
		return false
	}
	want, err := e.ValueJSON()
	if err != nil {
		return false
	}
	got, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return canonicalJSON(got) == canonicalJSON([]byte(want))
}

func canonicalJSON(b []byte) string {
	var v any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return string(b)
	}
	if n, ok := v.(json.Number); ok {
		if f, err := n.Float64(); err == nil {
			out, _ := json.Marshal(f)
			return string(out)
		}
	}
	out, _ := json.Marshal(v)
	return string(out)
}

// ParseWhere turns the raw "where" clause of a search request into a Filter.
// A missing or null clause is no filter. Anything but a single key object
// with a scalar value is rejected.
func ParseWhere(raw json.RawMessage) (Filter, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] != '{' {
		return nil, apperrors.UnsupportedFilter("where must be an object of the form {\"field\": value}")
	}

	var where map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &where); err != nil {
		return nil, apperrors.UnsupportedFilter("where is not valid JSON")
	}
	switch len(where) {
	case 0:
		return nil, nil
	case 1:
	default:
		return nil, apperrors.UnsupportedFilter("combining %d metadata fields is not supported, use a single field", len(where))
	}

	for field, rawValue := range where {
		if field == "" {
			return nil, apperrors.UnsupportedFilter("where field name is empty")
		}
		var value any
		if err := json.Unmarshal(rawValue, &value); err != nil {
			return nil, apperrors.UnsupportedFilter("where value for %q is not valid JSON", field)
		}
		switch value.(type) {
		case string, float64, bool:
		default:
			return nil, apperrors.UnsupportedFilter("where value for %q must be a string, number or boolean", field)
		}
		return Equals{Field: field, Value: value}, nil
	}
	return nil, nil
}

// EqualsFrom builds a filter from an already decoded mapping, for callers that
// construct queries in code.
func EqualsFrom(where map[string]any) (Filter, error) {
	if len(where) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(where)
	if err != nil {
		return nil, apperrors.UnsupportedFilter("where is not serializable")
	}
	return ParseWhere(raw)
}
