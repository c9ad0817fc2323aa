// Package translate maps payloads between declared semantic formats and
// emits signed transform receipts with field-level provenance.
package translate

import (
	"encoding/json"
	"fmt"
)

// Map is a declarative transformation between two semantic formats.
type Map struct {
	FromSFT         string            `json:"from_sft"`
	ToSFT           string            `json:"to_sft"`
	FieldMappings   map[string]string `json:"field_mappings,omitempty"`
	ConstOutputs    map[string]any    `json:"const_outputs,omitempty"`
	Drop            []string          `json:"drop,omitempty"`
	IntentRemap     map[string]string `json:"intent_remap,omitempty"`
	Defaults        map[string]any    `json:"defaults,omitempty"`
	EnumConstraints map[string][]any  `json:"enum_constraints,omitempty"`
	RequiredFields  []string          `json:"required_fields,omitempty"`
	LossyFields     []string          `json:"lossy_fields,omitempty"`
}

// ID names the map in receipts and headers.
func (m *Map) ID() string {
	return m.FromSFT + "__" + m.ToSFT
}

// Identity reports whether the map translates a format to itself with no
// declared operations.
func (m *Map) Identity() bool {
	return m.FromSFT == m.ToSFT &&
		len(m.FieldMappings) == 0 && len(m.ConstOutputs) == 0 &&
		len(m.Drop) == 0 && len(m.IntentRemap) == 0 && len(m.Defaults) == 0
}

// Validate enforces the structural invariants: both format ids present,
// mapping targets unique within the output.
func (m *Map) Validate() error {
	if m.FromSFT == "" || m.ToSFT == "" {
		return fmt.Errorf("translate: map requires from_sft and to_sft")
	}
	targets := make(map[string]string, len(m.FieldMappings)+len(m.ConstOutputs))
	claim := func(target, by string) error {
		if prev, taken := targets[target]; taken {
			return fmt.Errorf("translate: output path %q claimed by both %s and %s", target, prev, by)
		}
		targets[target] = by
		return nil
	}
	for src, dst := range m.FieldMappings {
		if err := claim(dst, "rename of "+src); err != nil {
			return err
		}
	}
	for dst := range m.ConstOutputs {
		if err := claim(dst, "const"); err != nil {
			return err
		}
	}
	return nil
}

// ParseMap decodes and validates a JSON map document.
func ParseMap(data []byte) (*Map, error) {
	var m Map
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("translate: parse map: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// IdentityMap returns the trivial map for from == to.
func IdentityMap(sft string) *Map {
	return &Map{FromSFT: sft, ToSFT: sft}
}
