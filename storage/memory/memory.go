// Package memory implements an in-process storage.Store. It backs the
// `inmemory` storage backend and the unit tests of everything above storage.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chillwhales/lsp-indexer/storage"
)

const moduleName = "inmemory"

// Store keeps every table as a map of id to row.
type Store struct {
	mu     sync.RWMutex
	tables map[string]map[string]storage.Row
}

var _ storage.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{tables: map[string]map[string]storage.Row{}}
}

func (s *Store) table(name string) map[string]storage.Row {
	t, ok := s.tables[name]
	if !ok {
		t = map[string]storage.Row{}
		s.tables[name] = t
	}
	return t
}

func validate(rows []storage.Row) error {
	for i, r := range rows {
		if r.ID() == "" {
			return fmt.Errorf("row %d: missing id", i)
		}
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, table string, rows []storage.Row) error {
	if err := validate(rows); err != nil {
		return fmt.Errorf("insert into %s: %w", table, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(table)
	for _, r := range rows {
		if _, exists := t[r.ID()]; !exists {
			t[r.ID()] = r.Clone()
		}
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, table string, rows []storage.Row) error {
	if err := validate(rows); err != nil {
		return fmt.Errorf("upsert into %s: %w", table, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(table)
	for _, r := range rows {
		existing, ok := t[r.ID()]
		if !ok {
			t[r.ID()] = r.Clone()
			continue
		}
		for k, v := range r {
			existing[k] = v
		}
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, table string, filters ...storage.Filter) error {
	if len(filters) == 0 {
		return storage.ErrNoFilters
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(table)
	for id, r := range t {
		ok, err := matchesAll(r, filters)
		if err != nil {
			return fmt.Errorf("remove from %s: %w", table, err)
		}
		if ok {
			delete(t, id)
		}
	}
	return nil
}

func (s *Store) Find(ctx context.Context, q storage.Query) ([]storage.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []storage.Row{}
	for _, r := range s.tables[q.Table] {
		ok, err := matchesAll(r, q.Filters)
		if err != nil {
			return nil, fmt.Errorf("find in %s: %w", q.Table, err)
		}
		if ok {
			out = append(out, r.Clone())
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if q.OrderBy != "" {
			if c, ok := compare(out[i][q.OrderBy], out[j][q.OrderBy]); ok && c != 0 {
				return c < 0
			}
		}
		return out[i].ID() < out[j].ID()
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) FindBy(ctx context.Context, table string, field string, value interface{}) ([]storage.Row, error) {
	return s.Find(ctx, storage.Query{Table: table, Filters: []storage.Filter{storage.Eq(field, value)}})
}

func (s *Store) Name() string {
	return moduleName
}

// Len returns the number of rows in a table.
func (s *Store) Len(table string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tables[table])
}

// Get returns a copy of a single row.
func (s *Store) Get(table string, id string) (storage.Row, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.tables[table][id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

func matchesAll(r storage.Row, filters []storage.Filter) (bool, error) {
	for _, f := range filters {
		ok, err := matches(r, f)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matches(r storage.Row, f storage.Filter) (bool, error) {
	v := r[f.Field]
	switch f.Op {
	case storage.OpEq:
		if f.Value == nil || v == nil {
			return f.Value == nil && v == nil, nil
		}
		c, ok := compare(v, f.Value)
		return ok && c == 0, nil
	case storage.OpIn:
		values, ok := f.Value.([]string)
		if !ok {
			return false, fmt.Errorf("filter %s: IN wants []string, got %T", f.Field, f.Value)
		}
		s, ok := v.(string)
		if !ok {
			return false, nil
		}
		for _, want := range values {
			if s == want {
				return true, nil
			}
		}
		return false, nil
	case storage.OpLt:
		if v == nil {
			return false, nil
		}
		c, ok := compare(v, f.Value)
		return ok && c < 0, nil
	default:
		return false, fmt.Errorf("filter %s: unsupported operator %s", f.Field, f.Op)
	}
}

// compare orders two column values. Numbers of any integer width compare
// numerically. The second return is false for incomparable values.
func compare(a, b interface{}) (int, bool) {
	if ai, ok := asInt(a); ok {
		bi, ok := asInt(b)
		if !ok {
			return 0, false
		}
		switch {
		case ai < bi:
			return -1, true
		case ai > bi:
			return 1, true
		}
		return 0, true
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		}
		return 0, true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		if av == bv {
			return 0, true
		}
		if !av {
			return -1, true
		}
		return 1, true
	case time.Time:
		bv, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return av.Compare(bv), true
	}
	return 0, false
}

func asInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	}
	return 0, false
}
