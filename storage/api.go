// Package storage defines storage interfaces.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Row is one stored record, keyed by column name. Every table has a text
// primary key in the "id" column.
type Row map[string]interface{}

// ID returns the row's primary key, or "" if unset.
func (r Row) ID() string {
	id, _ := r["id"].(string)
	return id
}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	c := make(Row, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

// Op is a predicate operator usable in a Filter.
type Op int

const (
	// OpEq matches rows whose field equals the value. A nil value matches NULL.
	OpEq Op = iota
	// OpIn matches rows whose field is one of the values ([]string).
	OpIn
	// OpLt matches rows whose field is strictly less than the value.
	OpLt
)

func (o Op) String() string {
	switch o {
	case OpEq:
		return "="
	case OpIn:
		return "IN"
	case OpLt:
		return "<"
	default:
		return fmt.Sprintf("Op(%d)", int(o))
	}
}

// Filter is a single field predicate. Filters in a list are ANDed.
type Filter struct {
	Field string
	Op    Op
	Value interface{}
}

func Eq(field string, value interface{}) Filter {
	return Filter{Field: field, Op: OpEq, Value: value}
}

func In(field string, values []string) Filter {
	return Filter{Field: field, Op: OpIn, Value: values}
}

func Lt(field string, value interface{}) Filter {
	return Filter{Field: field, Op: OpLt, Value: value}
}

// Query selects rows of a single table.
type Query struct {
	Table   string
	Filters []Filter
	// OrderBy is a column to sort ascending by; rows are always tie-broken by id.
	OrderBy string
	// Limit caps the number of returned rows; 0 means unlimited.
	Limit int
}

// Store is the system of record the indexer writes to. Each call is atomic
// on its own; nothing groups several calls into one transaction, so callers
// must only issue writes that are safe to repeat.
type Store interface {
	// Insert writes rows whose id is not yet present and ignores the rest.
	Insert(ctx context.Context, table string, rows []Row) error

	// Upsert writes rows, merging the given columns into any existing row
	// with the same id. Columns absent from the given row are left intact.
	Upsert(ctx context.Context, table string, rows []Row) error

	// Remove deletes every row matching all filters. At least one filter is
	// required.
	Remove(ctx context.Context, table string, filters ...Filter) error

	// Find returns the rows matching the query.
	Find(ctx context.Context, q Query) ([]Row, error)

	// FindBy returns the rows of table whose field equals value.
	FindBy(ctx context.Context, table string, field string, value interface{}) ([]Row, error)

	// Name returns the name of the store backend.
	Name() string
}

// ErrNoFilters is returned by Remove when called without any filter.
var ErrNoFilters = errors.New("storage: refusing to remove without filters")

// QueryBatch represents a batch of queries to be executed atomically.
// It keeps a copy of the queued queries for error reporting.
type QueryBatch struct {
	items []*BatchItem
}

// BatchItem is a single queued statement.
type BatchItem struct {
	Cmd  string
	Args []interface{}
}

func (i BatchItem) String() string {
	return fmt.Sprintf("%q %v", i.Cmd, i.Args)
}

// Queue adds a query to the batch.
func (b *QueryBatch) Queue(cmd string, args ...interface{}) {
	b.items = append(b.items, &BatchItem{Cmd: cmd, Args: args})
}

// Len returns the number of queued queries.
func (b *QueryBatch) Len() int {
	return len(b.items)
}

// Queries returns the queued queries.
func (b *QueryBatch) Queries() []*BatchItem {
	return b.items
}

// AsPgxBatch converts the batch to a pgx.Batch.
func (b *QueryBatch) AsPgxBatch() pgx.Batch {
	pgxBatch := pgx.Batch{}
	for _, item := range b.items {
		pgxBatch.Queue(item.Cmd, item.Args...)
	}
	return pgxBatch
}
