package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrUnknownSource reports a source id with no loaded rule.
var ErrUnknownSource = errors.New("unknown source id")

// Store is an immutable set of loaded rules keyed by source id.
type Store struct {
	rules map[int]*Rule
	order []int
}

// LoadDir reads every *.json rule file under dir into a store.
func LoadDir(dir string) (*Store, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read rules dir: %w", err)
	}
	loaded := make([]*Rule, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		rule, err := loadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		loaded = append(loaded, rule)
	}
	if len(loaded) == 0 {
		return nil, fmt.Errorf("no rule files in %s", dir)
	}
	return New(loaded...)
}

func loadFile(path string) (*Rule, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open rule file: %w", err)
	}
	defer fh.Close()

	dec := json.NewDecoder(fh)
	dec.DisallowUnknownFields()
	var rule Rule
	if err := dec.Decode(&rule); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return &rule, nil
}

// New validates and compiles the given rules into a store. Duplicate ids
// are a hard error since the id is the external source identifier.
func New(list ...*Rule) (*Store, error) {
	s := &Store{rules: make(map[int]*Rule, len(list))}
	for _, rule := range list {
		if err := rule.validate(); err != nil {
			return nil, err
		}
		if err := rule.compile(); err != nil {
			return nil, err
		}
		if _, dup := s.rules[rule.ID]; dup {
			return nil, fmt.Errorf("duplicate rule id %d", rule.ID)
		}
		s.rules[rule.ID] = rule
		s.order = append(s.order, rule.ID)
	}
	sort.Ints(s.order)
	return s, nil
}

// Get returns the rule for a source id.
func (s *Store) Get(id int) (*Rule, error) {
	rule, ok := s.rules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSource, id)
	}
	return rule, nil
}

// All returns every loaded rule ordered by id.
func (s *Store) All() []*Rule {
	out := make([]*Rule, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.rules[id])
	}
	return out
}

// Searchable returns the rules that support the search stage, ordered by id.
func (s *Store) Searchable() []*Rule {
	out := make([]*Rule, 0, len(s.order))
	for _, id := range s.order {
		if rule := s.rules[id]; rule.Search != nil {
			out = append(out, rule)
		}
	}
	return out
}

// Len reports the number of loaded rules.
func (s *Store) Len() int { return len(s.rules) }
