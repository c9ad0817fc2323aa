// Package oml implements the ODIN canonical message layer: deterministic
// binary encoding of JSON-like values (OML-C) and the content-addressed
// identifier (CID) derived from it.
//
// Every proof, receipt, and registry id downstream depends on Encode being
// reproducible byte-for-byte across implementations, so this package is the
// single source of truth for content equality.
package oml

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// EncodeError reports a value that cannot be represented canonically
// (cycles, channels, functions, NaN floats and the like).
type EncodeError struct {
	Reason string
	Err    error
}

func (e *EncodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("oml: encode: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("oml: encode: %s", e.Reason)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// Encode returns the canonical OML-C bytes for v.
//
// Rules: map keys sorted by code point, strings NFC-normalized, numbers in
// shortest round-trip form (RFC 8785), arrays order-preserving, no
// insignificant whitespace.
func Encode(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, &EncodeError{Reason: "marshal failed", Err: err}
	}

	canonical, err := jcs.Transform(bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}))
	if err != nil {
		return nil, &EncodeError{Reason: "canonicalization failed", Err: err}
	}
	return canonical, nil
}

// Decode is the inverse of Encode. Numbers come back as json.Number so that
// re-encoding a decoded value reproduces the original bytes.
func Decode(b []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("oml: decode: %w", err)
	}
	return v, nil
}

// normalize walks v applying NFC normalization to every string (keys and
// values). It round-trips through encoding/json first so struct tags are
// respected and unsupported types surface as one error site.
func normalize(v any) (any, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, &EncodeError{Reason: "unrepresentable value", Err: err}
	}

	dec := json.NewDecoder(bytes.NewReader(intermediate))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, &EncodeError{Reason: "intermediate decode failed", Err: err}
	}

	return normalizeStrings(generic), nil
}

func normalizeStrings(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case []any:
		for i := range t {
			t[i] = normalizeStrings(t[i])
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[norm.NFC.String(k)] = normalizeStrings(val)
		}
		return out
	default:
		return v
	}
}
