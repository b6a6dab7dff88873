// Package registry holds the ordered candidate reference data consulted when a
// vote is cast.
package registry

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotRegistered  = errors.New("candidate not registered")
	ErrInvalidEntry   = errors.New("invalid candidate entry")
	ErrDuplicateEntry = errors.New("duplicate candidate id")
)

type Candidate struct {
	ID   string `json:"candidate_id"`
	Name string `json:"display_name"`
}

// Defaults is the registry seeded when none has been persisted yet.
func Defaults() []Candidate {
	return []Candidate{
		{ID: "CAND001", Name: "Alice Johnson"},
		{ID: "CAND002", Name: "Bob Smith"},
		{ID: "CAND003", Name: "Carol Davis"},
	}
}

// NormalizeID trims and upper-cases a candidate id.
func NormalizeID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// Registry is an ordered id → name mapping. It is not safe for concurrent use;
// the ledger guards it with its own lock.
type Registry struct {
	order []Candidate
	index map[string]int
}

// New builds a registry from candidates in display order. Ids must already be
// in NormalizeID form.
func New(candidates []Candidate) (*Registry, error) {
	r := &Registry{
		order: make([]Candidate, 0, len(candidates)),
		index: make(map[string]int, len(candidates)),
	}
	for _, c := range candidates {
		if err := validate(c); err != nil {
			return nil, err
		}
		if _, ok := r.index[c.ID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateEntry, c.ID)
		}
		r.index[c.ID] = len(r.order)
		r.order = append(r.order, c)
	}
	return r, nil
}

func validate(c Candidate) error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("%w: empty candidate id", ErrInvalidEntry)
	}
	if c.ID != NormalizeID(c.ID) {
		return fmt.Errorf("%w: candidate id %q is not upper-case and trimmed", ErrInvalidEntry, c.ID)
	}
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: empty display name for %s", ErrInvalidEntry, c.ID)
	}
	return nil
}

func (r *Registry) Contains(id string) bool {
	_, ok := r.index[id]
	return ok
}

func (r *Registry) Len() int {
	return len(r.order)
}

// List returns a copy of the candidates in display order.
func (r *Registry) List() []Candidate {
	out := make([]Candidate, len(r.order))
	copy(out, r.order)
	return out
}

// With returns the candidate list after adding c, or renaming it if the id is
// already present. The receiver is not modified.
func (r *Registry) With(c Candidate) ([]Candidate, error) {
	if err := validate(c); err != nil {
		return nil, err
	}
	out := r.List()
	if i, ok := r.index[c.ID]; ok {
		out[i].Name = c.Name
		return out, nil
	}
	return append(out, c), nil
}

// Without returns the candidate list with id removed. The receiver is not modified.
func (r *Registry) Without(id string) ([]Candidate, error) {
	i, ok := r.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	out := make([]Candidate, 0, len(r.order)-1)
	out = append(out, r.order[:i]...)
	return append(out, r.order[i+1:]...), nil
}
