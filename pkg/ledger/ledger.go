// Package ledger records what the gateway did: an append-only NDJSON
// journal of events, hop receipts with a per-trace chain index, and an
// optional SQL index for operational queries.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Journal event kinds.
const (
	KindReceiptWrite  = "receipt.write"
	KindHopReceipt    = "hop.receipt"
	KindPolicyReload  = "policy.reload"
	KindMapsReload    = "maps.reload"
	KindKeyRotate     = "key.rotate"
	KindAdminReload   = "admin.reload"
	KindAgentRegister = "agent.register"
	KindAgentStatus   = "agent.status"
	KindAnnotation    = "request.annotation"
)

// Entry is one journal line.
type Entry struct {
	TSNs int64           `json:"ts_ns"`
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body,omitempty"`
}

// Journal appends NDJSON entries to a single file. Writes are serialized;
// a line is either fully present or absent.
type Journal struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

func NewJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("ledger: journal dir: %w", err)
	}
	return &Journal{path: path, now: time.Now}, nil
}

// Append writes one entry of the given kind. body must marshal to JSON.
func (j *Journal) Append(kind string, body any) error {
	var raw json.RawMessage
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("ledger: marshal %s entry: %w", kind, err)
		}
		raw = b
	}
	line, err := json.Marshal(Entry{TSNs: j.now().UnixNano(), Kind: kind, Body: raw})
	if err != nil {
		return fmt.Errorf("ledger: marshal entry: %w", err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("ledger: open journal: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("ledger: append journal: %w", err)
	}
	return nil
}

// Read returns all journal entries, oldest first. Corrupt trailing lines
// from a crashed writer are skipped.
func (j *Journal) Read() ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	data, err := os.ReadFile(j.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: read journal: %w", err)
	}
	return parseNDJSONEntries(data), nil
}

func parseNDJSONEntries(data []byte) []Entry {
	var entries []Entry
	for _, line := range splitLines(data) {
		var e Entry
		if json.Unmarshal(line, &e) == nil && e.Kind != "" {
			entries = append(entries, e)
		}
	}
	return entries
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
