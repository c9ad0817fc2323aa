package translate

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Provenance operations.
const (
	OpRename      = "rename"
	OpConst       = "const"
	OpDrop        = "drop"
	OpIntentRemap = "intent_remap"
	OpPassthrough = "passthrough"
	OpDefault     = "default"
)

// ProvenanceEntry records one field-level transformation.
type ProvenanceEntry struct {
	SourcePath  string `json:"source_path,omitempty"`
	TargetPath  string `json:"target_path,omitempty"`
	Operation   string `json:"operation"`
	OldValue    any    `json:"old_value,omitempty"`
	NewValue    any    `json:"new_value,omitempty"`
	TimestampMS int64  `json:"timestamp_ms"`
}

// TranslationReceipt is the field-level account of one mapping run.
type TranslationReceipt struct {
	MapID           string            `json:"map_id"`
	FromSFT         string            `json:"from_sft"`
	ToSFT           string            `json:"to_sft"`
	Transformations []ProvenanceEntry `json:"transformations"`
	CoveragePct     float64           `json:"coverage_pct"`
	MissingRequired []string          `json:"missing_required,omitempty"`
	RoundTripOK     *bool             `json:"round_trip_ok,omitempty"`
	SimilarityPct   *float64          `json:"similarity_pct,omitempty"`
}

// EnumError reports values outside a declared enum set.
type EnumError struct {
	Violations []string
}

func (e *EnumError) Error() string {
	return fmt.Sprintf("translate: enum constraints violated: %v", e.Violations)
}

// Apply runs the map's operations in declaration order: rename, const,
// drop, intent remap, default, enum check. Output is deterministic for a
// given input and map.
func Apply(input map[string]any, m *Map, now time.Time) (map[string]any, *TranslationReceipt, error) {
	ts := now.UnixMilli()
	output, ok := deepClone(input).(map[string]any)
	if !ok {
		output = make(map[string]any)
	}
	sourceLeaves := leafPaths(input)
	dropped := make(map[string]bool)
	renamed := make(map[string]bool)

	receipt := &TranslationReceipt{MapID: m.ID(), FromSFT: m.FromSFT, ToSFT: m.ToSFT}
	record := func(e ProvenanceEntry) {
		e.TimestampMS = ts
		receipt.Transformations = append(receipt.Transformations, e)
	}

	for _, src := range sortedKeys(m.FieldMappings) {
		dst := m.FieldMappings[src]
		value, present := getPath(output, src)
		if !present {
			continue
		}
		deletePath(output, src)
		setPath(output, dst, value)
		renamed[src] = true
		record(ProvenanceEntry{SourcePath: src, TargetPath: dst, Operation: OpRename, OldValue: value, NewValue: value})
	}

	for _, dst := range sortedKeys(m.ConstOutputs) {
		value := m.ConstOutputs[dst]
		old, _ := getPath(output, dst)
		setPath(output, dst, value)
		record(ProvenanceEntry{TargetPath: dst, Operation: OpConst, OldValue: old, NewValue: value})
	}

	for _, src := range sortedStrings(m.Drop) {
		value, present := getPath(output, src)
		if !present {
			continue
		}
		deletePath(output, src)
		dropped[src] = true
		record(ProvenanceEntry{SourcePath: src, Operation: OpDrop, OldValue: value})
	}

	if intent, ok := output["intent"].(string); ok {
		if mapped, found := m.IntentRemap[intent]; found {
			output["intent"] = mapped
			record(ProvenanceEntry{SourcePath: "intent", TargetPath: "intent", Operation: OpIntentRemap, OldValue: intent, NewValue: mapped})
		}
	}

	for _, dst := range sortedKeys(m.Defaults) {
		if _, present := getPath(output, dst); present {
			continue
		}
		value := m.Defaults[dst]
		setPath(output, dst, value)
		record(ProvenanceEntry{TargetPath: dst, Operation: OpDefault, NewValue: value})
	}

	var enumViolations []string
	for _, p := range sortedKeys(m.EnumConstraints) {
		value, present := getPath(output, p)
		if !present {
			continue
		}
		if !inSet(m.EnumConstraints[p], value) {
			enumViolations = append(enumViolations, fmt.Sprintf("%s: %v not in enum", p, value))
		}
	}
	if len(enumViolations) > 0 {
		return nil, nil, &EnumError{Violations: enumViolations}
	}

	// Untouched source leaves pass through.
	preserved := 0
	for _, leaf := range sourceLeaves {
		switch {
		case coveredBy(leaf, dropped):
			// gone
		case coveredBy(leaf, renamed):
			preserved++
		default:
			if value, present := getPath(output, leaf); present {
				preserved++
				record(ProvenanceEntry{SourcePath: leaf, TargetPath: leaf, Operation: OpPassthrough, OldValue: value, NewValue: value})
			}
		}
	}
	receipt.CoveragePct = coveragePct(preserved, len(sourceLeaves))

	for _, req := range sortedStrings(m.RequiredFields) {
		if _, present := getPath(output, req); !present {
			receipt.MissingRequired = append(receipt.MissingRequired, req)
		}
	}

	return output, receipt, nil
}

// coveredBy reports whether leaf equals or sits under any recorded path.
func coveredBy(leaf string, paths map[string]bool) bool {
	for p := range paths {
		if leaf == p || len(leaf) > len(p) && leaf[:len(p)] == p && leaf[len(p)] == '.' {
			return true
		}
	}
	return false
}

func coveragePct(preserved, total int) float64 {
	if total == 0 {
		return 100
	}
	return math.Round(float64(preserved)/float64(total)*1000) / 10
}

// roundTrip applies the reverse map to output and compares against the
// original input: strict equality on every leaf not declared lossy, plus
// a similarity score over all leaves.
func roundTrip(input, output map[string]any, reverse *Map, now time.Time) (bool, float64) {
	back, _, err := Apply(output, reverse, now)
	if err != nil {
		return false, 0
	}
	lossy := make(map[string]bool, len(reverse.LossyFields))
	for _, p := range reverse.LossyFields {
		lossy[p] = true
	}

	leaves := leafPaths(input)
	if len(leaves) == 0 {
		return true, 100
	}
	matching := 0
	ok := true
	for _, leaf := range leaves {
		want, _ := getPath(input, leaf)
		got, present := getPath(back, leaf)
		if present && valuesEqual(want, got) {
			matching++
		} else if !lossy[leaf] && !coveredBy(leaf, lossy) {
			ok = false
		}
	}
	return ok, math.Round(float64(matching)/float64(len(leaves))*1000) / 10
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedStrings(s []string) []string {
	out := make([]string, len(s))
	copy(out, s)
	sort.Strings(out)
	return out
}

func inSet(set []any, value any) bool {
	for _, s := range set {
		if valuesEqual(s, value) {
			return true
		}
	}
	return false
}
