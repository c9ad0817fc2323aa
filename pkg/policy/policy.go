// Package policy implements the HEL rule engine: a mutable rule document
// evaluated against request context. Evaluation is pure over an immutable
// snapshot; reloads swap the snapshot atomically.
package policy

import (
	"encoding/json"
	"fmt"
	"path"
	"regexp"

	"github.com/google/cel-go/cel"
)

// Document is the recognized rule set, as loaded from env or file.
type Document struct {
	AllowKids          []string                   `json:"allow_kids,omitempty"`
	DenyKids           []string                   `json:"deny_kids,omitempty"`
	AllowedKeysetHosts []string                   `json:"allowed_keyset_hosts,omitempty"`
	AllowIntents       []string                   `json:"allow_intents,omitempty"`
	DenyIntents        []string                   `json:"deny_intents,omitempty"`
	RequiredReasonFor  []string                   `json:"required_reason_for,omitempty"`
	FieldConstraints   map[string]FieldConstraint `json:"field_constraints,omitempty"`
	MaxPayloadBytes    *int64                     `json:"max_payload_bytes,omitempty"`
	RequiredHeaders    []string                   `json:"required_headers,omitempty"`
}

// FieldConstraint is a per-path predicate over the payload.
type FieldConstraint struct {
	Type     string   `json:"type,omitempty"` // string | number | bool | object | array
	Regex    string   `json:"regex,omitempty"`
	Min      *float64 `json:"min,omitempty"`
	Max      *float64 `json:"max,omitempty"`
	Enum     []any    `json:"enum,omitempty"`
	CEL      string   `json:"cel,omitempty"` // expression over `value`
	Required bool     `json:"required,omitempty"`
}

// Violation names the rule that fired and the offending detail.
type Violation struct {
	Rule   string `json:"rule"`
	Detail string `json:"detail"`
}

// Decision is the evaluation result.
type Decision struct {
	Allow      bool        `json:"allow"`
	Violations []Violation `json:"violations,omitempty"`
}

// Snapshot is a compiled, immutable policy. Compilation happens once per
// reload so the hot path never touches regex or CEL compilers.
type Snapshot struct {
	doc         Document
	regexps     map[string]*regexp.Regexp
	celPrograms map[string]cel.Program
}

// Compile validates and compiles a document into a snapshot.
func Compile(doc Document) (*Snapshot, error) {
	s := &Snapshot{
		doc:         doc,
		regexps:     make(map[string]*regexp.Regexp),
		celPrograms: make(map[string]cel.Program),
	}

	var celEnv *cel.Env
	for p, fc := range doc.FieldConstraints {
		if fc.Regex != "" {
			re, err := regexp.Compile(fc.Regex)
			if err != nil {
				return nil, fmt.Errorf("policy: field %q: bad regex: %w", p, err)
			}
			s.regexps[p] = re
		}
		if fc.CEL != "" {
			if celEnv == nil {
				var err error
				celEnv, err = cel.NewEnv(
					cel.StdLib(),
					cel.Variable("value", cel.DynType),
					cel.Variable("payload", cel.DynType),
				)
				if err != nil {
					return nil, fmt.Errorf("policy: cel env: %w", err)
				}
			}
			ast, issues := celEnv.Compile(fc.CEL)
			if issues != nil && issues.Err() != nil {
				return nil, fmt.Errorf("policy: field %q: cel compile: %w", p, issues.Err())
			}
			prg, err := celEnv.Program(ast, cel.InterruptCheckFrequency(100))
			if err != nil {
				return nil, fmt.Errorf("policy: field %q: cel program: %w", p, err)
			}
			s.celPrograms[p] = prg
		}
	}
	return s, nil
}

// ParseDocument decodes a JSON policy document.
func ParseDocument(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("policy: parse: %w", err)
	}
	return doc, nil
}

// Document returns the source document of this snapshot.
func (s *Snapshot) Document() Document { return s.doc }

// AllowedKeysetHosts exposes the host allowlist for the envelope verifier.
func (s *Snapshot) AllowedKeysetHosts() []string { return s.doc.AllowedKeysetHosts }

// MaxPayloadBytes returns the configured limit and whether it is set.
func (s *Snapshot) MaxPayloadBytes() (int64, bool) {
	if s.doc.MaxPayloadBytes == nil {
		return 0, false
	}
	return *s.doc.MaxPayloadBytes, true
}

func globMatch(patterns []string, value string) bool {
	for _, p := range patterns {
		if ok, err := path.Match(p, value); err == nil && ok {
			return true
		}
	}
	return false
}
