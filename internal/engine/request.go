package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// Request is the decoded data object of an operation request. Numbers are
// kept as json.Number so integer offsets survive decoding exactly.
type Request map[string]any

// DecodeRequest parses a JSON object payload. An empty payload is an empty
// request.
func DecodeRequest(payload []byte) (Request, error) {
	req := Request{}
	if len(bytes.TrimSpace(payload)) == 0 {
		return req, nil
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid request payload: %w", err)
	}
	if req == nil {
		req = Request{}
	}
	return req, nil
}

func (r Request) lookup(field string) (any, error) {
	v, ok := r[field]
	if !ok {
		return nil, missing(field)
	}
	return v, nil
}

// require checks that every field is present, in order, before any of
// them is type checked.
func (r Request) require(fields ...string) error {
	for _, field := range fields {
		if _, err := r.lookup(field); err != nil {
			return err
		}
	}
	return nil
}

func (r Request) String(field string) (string, error) {
	v, err := r.lookup(field)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", invalid(field)
	}
	return s, nil
}

// Strings reads a list field whose elements must all be strings.
func (r Request) Strings(field string) ([]string, error) {
	items, err := r.List(field)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, invalid(field)
		}
		out[i] = s
	}
	return out, nil
}

func (r Request) List(field string) ([]any, error) {
	v, err := r.lookup(field)
	if err != nil {
		return nil, err
	}
	items, ok := v.([]any)
	if !ok {
		return nil, invalid(field)
	}
	return items, nil
}

// Int reads an integral number. Whole floats such as 2.0 are accepted
// because some transports carry every number as a double.
func (r Request) Int(field string) (int64, error) {
	v, err := r.lookup(field)
	if err != nil {
		return 0, err
	}

	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return 0, invalid(field)
		}
		return wholeFloat(field, f)
	case float64:
		return wholeFloat(field, n)
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	default:
		return 0, invalid(field)
	}
}

func wholeFloat(field string, f float64) (int64, error) {
	if f != math.Trunc(f) || math.IsInf(f, 0) || f > math.MaxInt64 || f < math.MinInt64 {
		return 0, invalid(field)
	}
	return int64(f), nil
}

// Persistent evaluates the optional persistent flag for truthiness. An
// absent flag selects the volatile tier.
func (r Request) Persistent() bool {
	v, ok := r["persistent"]
	if !ok {
		return false
	}
	return truthy(v)
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case json.Number:
		f, err := x.Float64()
		return err != nil || f != 0
	case float64:
		return x != 0
	case int:
		return x != 0
	case int64:
		return x != 0
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		return true
	}
}

// scalarValue renders a request value for scalar storage: strings are
// stored verbatim, anything else as its JSON text. null is rejected.
func scalarValue(field string, v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", invalid(field)
	case string:
		return x, nil
	default:
		raw, err := json.Marshal(x)
		if err != nil {
			return "", invalid(field)
		}
		return string(raw), nil
	}
}

// encodeElement serializes one list element.
func encodeElement(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// decodeElement reverses encodeElement. Elements that are not valid JSON,
// for instance written by another client, come back as raw strings.
func decodeElement(s string) any {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return s
	}
	return v
}
