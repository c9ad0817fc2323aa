package translate

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
)

// ErrMapNotFound is returned when no map serves a format pair.
var ErrMapNotFound = errors.New("translate: map not found")

type mapSet struct {
	byID map[string]*Map
}

// Registry serves SFT maps loaded from a directory of {from}__{to}.json
// files. Reload swaps the whole set atomically.
type Registry struct {
	dir     string
	current atomic.Pointer[mapSet]
	logger  *slog.Logger
}

func NewRegistry(dir string) (*Registry, error) {
	r := &Registry{dir: dir, logger: slog.Default().With("component", "translate")}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads every map file. A directory that does not exist yields
// an empty registry, not an error.
func (r *Registry) Reload() error {
	set := &mapSet{byID: make(map[string]*Map)}
	if r.dir != "" {
		entries, err := os.ReadDir(r.dir)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("translate: read map dir: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			data, err := os.ReadFile(filepath.Join(r.dir, e.Name()))
			if err != nil {
				return fmt.Errorf("translate: read map %s: %w", e.Name(), err)
			}
			m, err := ParseMap(data)
			if err != nil {
				return fmt.Errorf("translate: map %s: %w", e.Name(), err)
			}
			id := strings.TrimSuffix(e.Name(), ".json")
			if id != m.ID() {
				return fmt.Errorf("translate: map file %s declares %s", e.Name(), m.ID())
			}
			set.byID[id] = m
		}
	}
	r.current.Store(set)
	r.logger.Info("sft maps loaded", "count", len(set.byID), "dir", r.dir)
	return nil
}

// Resolve returns the map for the pair. from == to is always served as
// an identity map even without a file.
func (r *Registry) Resolve(from, to string) (*Map, error) {
	if m, ok := r.current.Load().byID[from+"__"+to]; ok {
		return m, nil
	}
	if from == to {
		return IdentityMap(from), nil
	}
	return nil, fmt.Errorf("%w: %s__%s", ErrMapNotFound, from, to)
}

// Reverse returns the declared reverse map, if any.
func (r *Registry) Reverse(from, to string) (*Map, bool) {
	m, ok := r.current.Load().byID[to+"__"+from]
	return m, ok
}

// IDs lists loaded map ids in no particular order.
func (r *Registry) IDs() []string {
	set := r.current.Load()
	ids := make([]string, 0, len(set.byID))
	for id := range set.byID {
		ids = append(ids, id)
	}
	return ids
}
