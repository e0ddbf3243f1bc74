package storage

import (
	"context"

	"github.com/chillwhales/lsp-indexer/metrics"
)

// instrumentedStore reports per-call counts and latencies of another Store.
type instrumentedStore struct {
	inner   Store
	metrics metrics.StorageMetrics
}

// NewInstrumentedStore wraps a Store with Prometheus instrumentation.
func NewInstrumentedStore(inner Store, m metrics.StorageMetrics) Store {
	return &instrumentedStore{inner: inner, metrics: m}
}

func (s *instrumentedStore) observe(op, table string, err error) {
	status := metrics.OperationStatusSuccess
	if err != nil {
		status = metrics.OperationStatusFailure
	}
	s.metrics.DatabaseOperations(s.inner.Name(), op, table, status).Inc()
}

func (s *instrumentedStore) Insert(ctx context.Context, table string, rows []Row) error {
	timer := s.metrics.DatabaseLatencies(s.inner.Name(), "insert")
	defer timer.ObserveDuration()
	err := s.inner.Insert(ctx, table, rows)
	s.observe("insert", table, err)
	return err
}

func (s *instrumentedStore) Upsert(ctx context.Context, table string, rows []Row) error {
	timer := s.metrics.DatabaseLatencies(s.inner.Name(), "upsert")
	defer timer.ObserveDuration()
	err := s.inner.Upsert(ctx, table, rows)
	s.observe("upsert", table, err)
	return err
}

func (s *instrumentedStore) Remove(ctx context.Context, table string, filters ...Filter) error {
	timer := s.metrics.DatabaseLatencies(s.inner.Name(), "remove")
	defer timer.ObserveDuration()
	err := s.inner.Remove(ctx, table, filters...)
	s.observe("remove", table, err)
	return err
}

func (s *instrumentedStore) Find(ctx context.Context, q Query) ([]Row, error) {
	timer := s.metrics.DatabaseLatencies(s.inner.Name(), "find")
	defer timer.ObserveDuration()
	rows, err := s.inner.Find(ctx, q)
	s.observe("find", q.Table, err)
	return rows, err
}

func (s *instrumentedStore) FindBy(ctx context.Context, table string, field string, value interface{}) ([]Row, error) {
	timer := s.metrics.DatabaseLatencies(s.inner.Name(), "find")
	defer timer.ObserveDuration()
	rows, err := s.inner.FindBy(ctx, table, field, value)
	s.observe("find", table, err)
	return rows, err
}

func (s *instrumentedStore) Name() string {
	return s.inner.Name()
}
