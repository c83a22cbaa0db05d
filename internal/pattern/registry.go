// Package pattern implements the Pattern Registry (C3): loads pattern
// specifications from a configured root and answers exists/get/
// list_anti_patterns. Shaped on the teacher's plugin.PluginRegistry (a
// sync.RWMutex-guarded name->spec map), simplified to the registry's
// read-only-after-startup contract: a Run uses a frozen Snapshot taken
// once at Orchestrator run-start, never a hot-reloadable live registry.
package pattern

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/minipipe/minipipe/internal/engcfg"
	"github.com/minipipe/minipipe/internal/model"
)

// Registry holds every pattern spec loaded from a root directory.
type Registry struct {
	mu       sync.RWMutex
	patterns map[string]model.Pattern
}

// Load reads every *.yaml/*.yml file directly under root as a Pattern
// document and validates it with go-playground/validator/v10, mirroring
// internal/config.ParseConfig's decode-then-validate flow.
func Load(root string) (*Registry, error) {
	r := &Registry{patterns: make(map[string]model.Pattern)}

	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("pattern: read root %s: %w", root, err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(root, e.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("pattern: read %s: %w", path, err)
		}
		var p model.Pattern
		if err := yaml.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("pattern: parse %s: %w", path, err)
		}
		if err := engcfg.Validator().Struct(p); err != nil {
			return nil, fmt.Errorf("pattern: validate %s: %w", path, err)
		}
		if _, exists := r.patterns[p.PatternID]; exists {
			return nil, fmt.Errorf("pattern: duplicate pattern_id %s in %s", p.PatternID, path)
		}
		r.patterns[p.PatternID] = p
	}
	return r, nil
}

// Exists reports whether patternID is registered.
func (r *Registry) Exists(patternID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.patterns[patternID]
	return ok
}

// Get returns the pattern spec for patternID.
func (r *Registry) Get(patternID string) (model.Pattern, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.patterns[patternID]
	return p, ok
}

// ListAntiPatterns returns every pattern flagged as an anti-pattern
// runbook, sorted by pattern_id for determinism.
func (r *Registry) ListAntiPatterns() []model.Pattern {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.Pattern
	for _, p := range r.patterns {
		if p.IsAntiPattern {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PatternID < out[j].PatternID })
	return out
}

// Snapshot is an immutable, point-in-time copy of the registry taken at
// run start; a Run never observes patterns registered afterward.
type Snapshot struct {
	patterns map[string]model.Pattern
}

// Snapshot freezes the current registry contents.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp := make(map[string]model.Pattern, len(r.patterns))
	for k, v := range r.patterns {
		cp[k] = v
	}
	return &Snapshot{patterns: cp}
}

func (s *Snapshot) Exists(patternID string) bool {
	_, ok := s.patterns[patternID]
	return ok
}

func (s *Snapshot) Get(patternID string) (model.Pattern, bool) {
	p, ok := s.patterns[patternID]
	return p, ok
}
