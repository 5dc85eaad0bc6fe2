package calibration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Row is a JSON object that remembers the order of its keys. Values are kept
// as raw JSON so fields the service does not touch are returned unchanged.
type Row struct {
	keys   []string
	values map[string]json.RawMessage
}

// NewRow returns an empty row.
func NewRow() *Row {
	return &Row{values: map[string]json.RawMessage{}}
}

func (r *Row) Keys() []string {
	return append([]string(nil), r.keys...)
}

func (r *Row) Len() int {
	return len(r.keys)
}

func (r *Row) Has(key string) bool {
	_, ok := r.values[key]
	return ok
}

// Get returns the raw JSON value stored under key.
func (r *Row) Get(key string) (json.RawMessage, bool) {
	v, ok := r.values[key]
	return v, ok
}

// Set stores a raw JSON value. New keys are appended, existing keys keep
// their position.
func (r *Row) Set(key string, value json.RawMessage) {
	if r.values == nil {
		r.values = map[string]json.RawMessage{}
	}
	if _, ok := r.values[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.values[key] = value
}

// SetFloat stores a number.
func (r *Row) SetFloat(key string, value float64) {
	r.Set(key, json.RawMessage(strconv.FormatFloat(value, 'g', -1, 64)))
}

func (r *Row) Delete(key string) {
	if _, ok := r.values[key]; !ok {
		return
	}
	delete(r.values, key)
	for i, k := range r.keys {
		if k == key {
			r.keys = append(r.keys[:i], r.keys[i+1:]...)
			break
		}
	}
}

// Float parses the value under key as a number. Numeric strings are accepted.
func (r *Row) Float(key string) (float64, error) {
	raw, ok := r.values[key]
	if !ok {
		return 0, fmt.Errorf("column %s is missing", key)
	}

	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("column %s: %w", key, err)
	}

	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("could not convert string to float: '%s'", t)
		}
		f = parsed
	case nil:
		return 0, fmt.Errorf("column %s is null", key)
	default:
		return 0, fmt.Errorf("column %s has non-numeric value %s", key, string(raw))
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("column %s is not a finite number", key)
	}
	return f, nil
}

func (r *Row) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("expected a JSON object, got %v", tok)
	}

	r.keys = nil
	r.values = map[string]json.RawMessage{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("expected an object key, got %v", tok)
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return err
		}
		// The last occurrence of a duplicated key wins, at its first position.
		r.Set(key, value)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}

func (r Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(r.values[key])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
