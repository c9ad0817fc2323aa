package policy

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(n int64) *int64       { return &n }
func floatPtr(f float64) *float64 { return &f }

func compile(t *testing.T, doc Document) *Snapshot {
	t.Helper()
	s, err := Compile(doc)
	require.NoError(t, err)
	return s
}

func TestEvaluate_KidGlobsDenyWins(t *testing.T) {
	s := compile(t, Document{
		AllowKids:       []string{"gw-*"},
		DenyKids:        []string{"gw-revoked"},
		MaxPayloadBytes: intPtr(1 << 20),
	})

	d := s.Evaluate(Input{KID: "gw-main"})
	assert.True(t, d.Allow)

	d = s.Evaluate(Input{KID: "gw-revoked"})
	require.False(t, d.Allow)
	assert.Equal(t, "deny_kids", d.Violations[0].Rule)

	d = s.Evaluate(Input{KID: "other"})
	require.False(t, d.Allow)
	assert.Equal(t, "allow_kids", d.Violations[0].Rule)
}

func TestEvaluate_Intents(t *testing.T) {
	s := compile(t, Document{
		AllowIntents:      []string{"service.*"},
		DenyIntents:       []string{"service.shutdown"},
		RequiredReasonFor: []string{"service.delete"},
		MaxPayloadBytes:   intPtr(1 << 20),
	})

	assert.True(t, s.Evaluate(Input{Payload: map[string]any{"intent": "service.advertise"}}).Allow)
	assert.False(t, s.Evaluate(Input{Payload: map[string]any{"intent": "service.shutdown"}}).Allow)
	assert.False(t, s.Evaluate(Input{Payload: map[string]any{"intent": "admin.reset"}}).Allow)

	d := s.Evaluate(Input{Payload: map[string]any{"intent": "service.delete"}})
	require.False(t, d.Allow)
	assert.Equal(t, "required_reason_for", d.Violations[0].Rule)

	assert.True(t, s.Evaluate(Input{Payload: map[string]any{
		"intent": "service.delete", "reason": "decommissioned",
	}}).Allow)
}

func TestEvaluate_MaxPayloadBytes(t *testing.T) {
	s := compile(t, Document{MaxPayloadBytes: intPtr(10)})
	assert.True(t, s.Evaluate(Input{PayloadBytes: 10}).Allow)
	assert.False(t, s.Evaluate(Input{PayloadBytes: 11}).Allow)
}

func TestEvaluate_MissingMaxPayloadBytesDenies(t *testing.T) {
	s := compile(t, Document{})
	d := s.Evaluate(Input{PayloadBytes: 1})
	require.False(t, d.Allow)
	assert.Equal(t, "max_payload_bytes", d.Violations[0].Rule)
	assert.Contains(t, d.Violations[0].Detail, "missing")
}

func TestEvaluate_RequiredHeaders(t *testing.T) {
	s := compile(t, Document{RequiredHeaders: []string{"X-ODIN-Agent"}})

	h := http.Header{}
	assert.False(t, s.Evaluate(Input{Headers: h}).Allow)

	h.Set("X-ODIN-Agent", "did:odin:alpha")
	assert.True(t, s.Evaluate(Input{Headers: h}).Allow)
}

func TestEvaluate_KeysetHosts(t *testing.T) {
	s := compile(t, Document{AllowedKeysetHosts: []string{"peer.example"}})
	assert.True(t, s.Evaluate(Input{KeysetHost: "peer.example"}).Allow)
	assert.False(t, s.Evaluate(Input{KeysetHost: "evil.example"}).Allow)
}

func TestEvaluate_FieldConstraints(t *testing.T) {
	s := compile(t, Document{
		FieldConstraints: map[string]FieldConstraint{
			"amount":      {Type: "number", Min: floatPtr(0), Max: floatPtr(100)},
			"currency":    {Type: "string", Enum: []any{"EUR", "USD"}},
			"meta.origin": {Regex: "^did:odin:"},
			"count":       {CEL: "value % 2 == 0"},
		},
		MaxPayloadBytes: intPtr(1 << 20),
	})

	ok := map[string]any{
		"amount":   50.0,
		"currency": "EUR",
		"meta":     map[string]any{"origin": "did:odin:alpha"},
		"count":    int64(4),
	}
	d := s.Evaluate(Input{Payload: ok})
	assert.True(t, d.Allow, "%v", d.Violations)

	bad := map[string]any{
		"amount":   150.0,
		"currency": "GBP",
		"meta":     map[string]any{"origin": "https://spoof"},
		"count":    int64(3),
	}
	d = s.Evaluate(Input{Payload: bad})
	require.False(t, d.Allow)
	assert.Len(t, d.Violations, 4)
}

func TestEvaluate_RequiredField(t *testing.T) {
	s := compile(t, Document{
		FieldConstraints: map[string]FieldConstraint{
			"intent": {Type: "string", Required: true},
		},
		MaxPayloadBytes: intPtr(1 << 20),
	})
	d := s.Evaluate(Input{Payload: map[string]any{"other": 1}})
	require.False(t, d.Allow)
	assert.Contains(t, d.Violations[0].Detail, "required field absent")
}

func TestEvaluate_Deterministic(t *testing.T) {
	s := compile(t, Document{
		FieldConstraints: map[string]FieldConstraint{
			"b": {Type: "string"},
			"a": {Type: "string"},
			"c": {Type: "string"},
		},
		MaxPayloadBytes: intPtr(1 << 20),
	})
	in := Input{Payload: map[string]any{"a": 1, "b": 2, "c": 3}}

	first := s.Evaluate(in)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, s.Evaluate(in))
	}
}

func TestLoader_ReloadSwapsSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"deny_kids":["bad"]}`), 0o600))

	l, err := NewLoader("", path)
	require.NoError(t, err)

	before := l.Snapshot()
	assert.False(t, before.Evaluate(Input{KID: "bad"}).Allow)

	require.NoError(t, os.WriteFile(path, []byte(`{"deny_kids":["worse"]}`), 0o600))
	require.NoError(t, l.Reload())

	// Old snapshot unchanged; new snapshot reflects the edit.
	assert.False(t, before.Evaluate(Input{KID: "bad"}).Allow)
	assert.True(t, l.Snapshot().Evaluate(Input{KID: "bad"}).Allow)
	assert.False(t, l.Snapshot().Evaluate(Input{KID: "worse"}).Allow)
}

func TestLoader_InlinePrecedence(t *testing.T) {
	l, err := NewLoader(`{"deny_kids":["inline"]}`, "/nonexistent/policy.json")
	require.NoError(t, err)
	assert.False(t, l.Snapshot().Evaluate(Input{KID: "inline"}).Allow)
}

func TestCompile_BadRegex(t *testing.T) {
	_, err := Compile(Document{FieldConstraints: map[string]FieldConstraint{
		"x": {Regex: "("},
	}})
	assert.Error(t, err)
}

func TestCompile_BadCEL(t *testing.T) {
	_, err := Compile(Document{FieldConstraints: map[string]FieldConstraint{
		"x": {CEL: "value ==="},
	}})
	assert.Error(t, err)
}
