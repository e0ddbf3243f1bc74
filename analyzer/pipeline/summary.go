package pipeline

import (
	"context"
	"sync"

	"github.com/chillwhales/lsp-indexer/common"
	"github.com/chillwhales/lsp-indexer/storage"
)

// CategorySummary counts the verification outcome of one category.
type CategorySummary struct {
	New     int
	Valid   int
	Invalid int
}

// Summary describes what one batch did.
type Summary struct {
	From   uint64
	To     uint64
	IsHead bool
	Logs   int

	Categories map[common.EntityCategory]CategorySummary
	// Undeclared lists tracked categories that no plugin declares. They are
	// still verified.
	Undeclared []common.EntityCategory
	// Entities counts the extracted entities per type, after population.
	Entities map[string]int
	// Rows counts the rows written per table, during persist and handle.
	Rows map[string]int

	Fetched      int
	FetchFailed  int
	FetchDropped int
}

func newSummary(batch *storage.Batch) *Summary {
	return &Summary{
		From:       batch.From,
		To:         batch.To,
		IsHead:     batch.IsHead,
		Categories: map[common.EntityCategory]CategorySummary{},
		Entities:   map[string]int{},
		Rows:       map[string]int{},
	}
}

// countingStore counts the rows written through it per table.
type countingStore struct {
	storage.Store

	mu   sync.Mutex
	rows map[string]int
}

func newCountingStore(inner storage.Store) *countingStore {
	return &countingStore{Store: inner, rows: map[string]int{}}
}

func (s *countingStore) count(table string, n int, err error) {
	if err != nil || n == 0 {
		return
	}
	s.mu.Lock()
	s.rows[table] += n
	s.mu.Unlock()
}

func (s *countingStore) Insert(ctx context.Context, table string, rows []storage.Row) error {
	err := s.Store.Insert(ctx, table, rows)
	s.count(table, len(rows), err)
	return err
}

func (s *countingStore) Upsert(ctx context.Context, table string, rows []storage.Row) error {
	err := s.Store.Upsert(ctx, table, rows)
	s.count(table, len(rows), err)
	return err
}

func (s *countingStore) snapshot() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.rows))
	for k, v := range s.rows {
		out[k] = v
	}
	return out
}
