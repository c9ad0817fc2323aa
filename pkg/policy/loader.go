package policy

import (
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
)

// Loader owns the live policy snapshot. Reload publishes a new snapshot
// atomically; every request reads one coherent snapshot for its lifetime.
type Loader struct {
	inlineJSON string
	path       string

	current atomic.Pointer[Snapshot]
	logger  *slog.Logger
}

// NewLoader compiles the initial snapshot from inline JSON (precedence) or a
// file path. With neither, an empty permissive document is used.
func NewLoader(inlineJSON, path string) (*Loader, error) {
	l := &Loader{
		inlineJSON: inlineJSON,
		path:       path,
		logger:     slog.Default().With("component", "policy"),
	}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Snapshot returns the current immutable policy.
func (l *Loader) Snapshot() *Snapshot {
	return l.current.Load()
}

// Reload re-reads the source and swaps the snapshot.
func (l *Loader) Reload() error {
	var data []byte
	switch {
	case l.inlineJSON != "":
		data = []byte(l.inlineJSON)
	case l.path != "":
		b, err := os.ReadFile(l.path)
		if err != nil {
			return fmt.Errorf("policy: read %s: %w", l.path, err)
		}
		data = b
	default:
		data = []byte("{}")
	}

	doc, err := ParseDocument(data)
	if err != nil {
		return err
	}
	snap, err := Compile(doc)
	if err != nil {
		return err
	}

	l.current.Store(snap)
	l.logger.Info("policy loaded",
		"field_constraints", len(doc.FieldConstraints),
		"allow_kids", len(doc.AllowKids),
		"required_headers", len(doc.RequiredHeaders),
	)
	return nil
}
