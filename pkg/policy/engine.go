package policy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Input is the request context the engine evaluates over.
type Input struct {
	KID          string
	KeysetHost   string
	Route        string
	Tenant       string
	Headers      http.Header
	Payload      any
	PayloadBytes int64
}

// Evaluate applies the snapshot to in. It is pure: the same snapshot and
// input always produce the same decision and violations, in stable order.
func (s *Snapshot) Evaluate(in Input) Decision {
	var violations []Violation
	deny := func(rule, detail string) {
		violations = append(violations, Violation{Rule: rule, Detail: detail})
	}

	// kid checks: deny wins over allow.
	if in.KID != "" {
		if globMatch(s.doc.DenyKids, in.KID) {
			deny("deny_kids", fmt.Sprintf("kid %q denied", in.KID))
		} else if len(s.doc.AllowKids) > 0 && !globMatch(s.doc.AllowKids, in.KID) {
			deny("allow_kids", fmt.Sprintf("kid %q not in allowlist", in.KID))
		}
	}

	if in.KeysetHost != "" && len(s.doc.AllowedKeysetHosts) > 0 {
		allowed := false
		for _, h := range s.doc.AllowedKeysetHosts {
			if h == in.KeysetHost {
				allowed = true
				break
			}
		}
		if !allowed {
			deny("allowed_keyset_hosts", fmt.Sprintf("keyset host %q not allowed", in.KeysetHost))
		}
	}

	intent := payloadIntent(in.Payload)
	if intent != "" {
		if globMatch(s.doc.DenyIntents, intent) {
			deny("deny_intents", fmt.Sprintf("intent %q denied", intent))
		} else if len(s.doc.AllowIntents) > 0 && !globMatch(s.doc.AllowIntents, intent) {
			deny("allow_intents", fmt.Sprintf("intent %q not in allowlist", intent))
		}
		if globMatch(s.doc.RequiredReasonFor, intent) && !hasNonEmptyReason(in.Payload) {
			deny("required_reason_for", fmt.Sprintf("intent %q requires a reason", intent))
		}
	}

	limit, ok := s.MaxPayloadBytes()
	switch {
	case !ok && in.PayloadBytes > 0:
		// An enforced route must carry an explicit limit.
		deny("max_payload_bytes", "max_payload_bytes missing from policy")
	case ok && in.PayloadBytes > limit:
		deny("max_payload_bytes", fmt.Sprintf("payload %d bytes exceeds limit %d", in.PayloadBytes, limit))
	}

	for _, h := range s.doc.RequiredHeaders {
		if in.Headers == nil || strings.TrimSpace(in.Headers.Get(h)) == "" {
			deny("required_headers", fmt.Sprintf("header %q missing or empty", h))
		}
	}

	violations = append(violations, s.evaluateFieldConstraints(in.Payload)...)

	return Decision{Allow: len(violations) == 0, Violations: violations}
}

func (s *Snapshot) evaluateFieldConstraints(payload any) []Violation {
	if len(s.doc.FieldConstraints) == 0 {
		return nil
	}

	// Stable iteration order for deterministic violation lists.
	paths := make([]string, 0, len(s.doc.FieldConstraints))
	for p := range s.doc.FieldConstraints {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var violations []Violation
	for _, p := range paths {
		fc := s.doc.FieldConstraints[p]
		value, present := lookupPath(payload, p)
		if !present {
			if fc.Required {
				violations = append(violations, Violation{
					Rule:   "field_constraints",
					Detail: fmt.Sprintf("%s: required field absent", p),
				})
			}
			continue
		}
		if detail := s.checkConstraint(p, fc, value, payload); detail != "" {
			violations = append(violations, Violation{Rule: "field_constraints", Detail: detail})
		}
	}
	return violations
}

func (s *Snapshot) checkConstraint(p string, fc FieldConstraint, value, payload any) string {
	if fc.Type != "" && !typeMatches(fc.Type, value) {
		return fmt.Sprintf("%s: expected %s", p, fc.Type)
	}
	if re, ok := s.regexps[p]; ok {
		str, isStr := value.(string)
		if !isStr || !re.MatchString(str) {
			return fmt.Sprintf("%s: does not match %s", p, fc.Regex)
		}
	}
	if fc.Min != nil || fc.Max != nil {
		n, ok := asFloat(value)
		if !ok {
			return fmt.Sprintf("%s: not numeric", p)
		}
		if fc.Min != nil && n < *fc.Min {
			return fmt.Sprintf("%s: %v below minimum %v", p, n, *fc.Min)
		}
		if fc.Max != nil && n > *fc.Max {
			return fmt.Sprintf("%s: %v above maximum %v", p, n, *fc.Max)
		}
	}
	if len(fc.Enum) > 0 && !enumContains(fc.Enum, value) {
		return fmt.Sprintf("%s: value not in enum", p)
	}
	if prg, ok := s.celPrograms[p]; ok {
		out, _, err := prg.Eval(map[string]any{"value": value, "payload": payload})
		if err != nil {
			return fmt.Sprintf("%s: cel evaluation failed: %v", p, err)
		}
		if allowed, ok := out.Value().(bool); !ok || !allowed {
			return fmt.Sprintf("%s: cel predicate rejected value", p)
		}
	}
	return ""
}

func payloadIntent(payload any) string {
	m, ok := payload.(map[string]any)
	if !ok {
		return ""
	}
	intent, _ := m["intent"].(string)
	return intent
}

func hasNonEmptyReason(payload any) bool {
	m, ok := payload.(map[string]any)
	if !ok {
		return false
	}
	reason, _ := m["reason"].(string)
	return strings.TrimSpace(reason) != ""
}

// lookupPath walks a dotted path through nested maps.
func lookupPath(payload any, p string) (any, bool) {
	current := payload
	for _, seg := range strings.Split(p, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func typeMatches(want string, value any) bool {
	switch want {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := asFloat(value)
		return ok
	case "bool":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	default:
		return false
	}
}

func asFloat(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func enumContains(enum []any, value any) bool {
	vf, vIsNum := asFloat(value)
	for _, e := range enum {
		if e == value {
			return true
		}
		if ef, ok := asFloat(e); ok && vIsNum && ef == vf {
			return true
		}
	}
	return false
}
