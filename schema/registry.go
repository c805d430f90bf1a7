package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Registry holds the loaded schemas, keyed by folded name. Loaded once at
// startup and shared read-only afterwards.
type Registry struct {
	schemas map[string]*Schema
}

// NewRegistry builds a registry from already-constructed schemas, mostly for
// tests and embedded defaults.
func NewRegistry(schemas ...*Schema) (*Registry, error) {
	r := &Registry{schemas: make(map[string]*Schema)}
	for _, s := range schemas {
		if err := r.add(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// LoadDir loads every *.yaml / *.yml file under dir as one schema each.
func LoadDir(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("schema dir %s: %w", dir, err)
	}
	r := &Registry{schemas: make(map[string]*Schema)}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		s, err := LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if err := r.add(s); err != nil {
			return nil, err
		}
	}
	if len(r.schemas) == 0 {
		return nil, fmt.Errorf("schema dir %s: no schema files", dir)
	}
	return r, nil
}

// LoadFile parses and validates a single YAML schema file.
func LoadFile(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", path, err)
	}
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", path, err)
	}
	if s.Name == "" {
		s.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("schema %s: %w", path, err)
	}
	return &s, nil
}

func (r *Registry) add(s *Schema) error {
	if err := s.Validate(); err != nil {
		return err
	}
	key := Fold(s.Name)
	if _, dup := r.schemas[key]; dup {
		return fmt.Errorf("duplicate schema %q", s.Name)
	}
	r.schemas[key] = s
	return nil
}

// Get returns the schema with the given name.
func (r *Registry) Get(name string) (*Schema, bool) {
	s, ok := r.schemas[Fold(name)]
	return s, ok
}

// Names returns the registered schema names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.schemas))
	for _, s := range r.schemas {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	return names
}

// DetectFloor is the minimum per-schema detection score for Detect to return
// a schema rather than report no match.
const DetectFloor = 0.5

// Detect scores every registered schema against a candidate header row and
// returns the best match. The score is the fraction of schema columns that
// find a fuzzy hit in the header, weighted toward required columns: a header
// row identifies its vendor layout by which well-known columns it carries.
func (r *Registry) Detect(header []string) (*Schema, float64) {
	var best *Schema
	var bestScore float64

	// Deterministic iteration: ties go to the lexicographically first name.
	for _, name := range r.Names() {
		s := r.schemas[Fold(name)]
		score := detectScore(s, header)
		if score > bestScore {
			bestScore = score
			best = s
		}
	}
	if best == nil || bestScore < DetectFloor {
		return nil, bestScore
	}
	return best, bestScore
}

func detectScore(s *Schema, header []string) float64 {
	if len(header) == 0 {
		return 0
	}
	var total, hit float64
	for _, c := range s.Columns {
		weight := 1.0
		if c.Required {
			weight = 2.0
		}
		total += weight
		for _, cell := range header {
			if _, score := matchOne(c, cell); score >= MatchThreshold {
				hit += weight
				break
			}
		}
	}
	if total == 0 {
		return 0
	}
	return hit / total
}

func matchOne(c Column, cell string) (Column, float64) {
	key := Fold(cell)
	if key == "" {
		return c, 0
	}
	score := matchScore(key, Fold(c.Name))
	for _, alias := range c.Aliases {
		if as := matchScore(key, Fold(alias)); as > score {
			score = as
		}
	}
	return c, score
}
