// Package model defines the core memory data types.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Memory represents a stored memory record.
type Memory struct {
	ID        string    `json:"id,omitempty"`
	Key       string    `json:"key"`
	Body      Body      `json:"body"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
}

// Body is the structured value of a memory. Plain strings are stored as
// {"text": "..."}.
type Body map[string]any

// TextField is the body field that holds plain-string content.
const TextField = "text"

// TextBody wraps a plain string.
func TextBody(s string) Body {
	return Body{TextField: s}
}

// Text returns the body's text field, or "" if it has none.
func (b Body) Text() string {
	s, _ := b[TextField].(string)
	return s
}

// Encode returns the canonical JSON encoding of the body.
func (b Body) Encode() string {
	if b == nil {
		return "{}"
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(map[string]any(b)); err != nil {
		return "{}"
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// Strings returns every object key and scalar leaf of the body as raw,
// unescaped text, in a stable order.
func (b Body) Strings() []string {
	var out []string
	var walk func(v any)
	walk = func(v any) {
		switch v := v.(type) {
		case map[string]any:
			keys := make([]string, 0, len(v))
			for k := range v {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				out = append(out, k)
				walk(v[k])
			}
		case Body:
			walk(map[string]any(v))
		case []any:
			for _, e := range v {
				walk(e)
			}
		case string:
			out = append(out, v)
		case nil:
		default:
			out = append(out, fmt.Sprint(v))
		}
	}
	walk(b)
	return out
}

// UnmarshalJSON accepts either a JSON string or a JSON object.
func (b *Body) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*b = nil
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*b = TextBody(s)
		return nil
	}
	var m map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return fmt.Errorf("body must be a string or an object: %w", err)
	}
	*b = m
	return nil
}

// DecodeBody parses a stored JSON body.
func DecodeBody(s string) (Body, error) {
	var b Body
	if err := json.Unmarshal([]byte(s), &b); err != nil {
		return nil, err
	}
	if b == nil {
		b = Body{}
	}
	return b, nil
}
