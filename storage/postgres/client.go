// Package postgres implements storage.Store backed by PostgreSQL.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"

	"github.com/chillwhales/lsp-indexer/common"
	"github.com/chillwhales/lsp-indexer/log"
	"github.com/chillwhales/lsp-indexer/storage"
)

const (
	moduleName = "postgres"
)

// Client is a client for connecting to PostgreSQL.
type Client struct {
	pool   *pgxpool.Pool
	logger *log.Logger
}

var _ storage.Store = (*Client)(nil)

// pgxLogger adapts our logger to pgx's tracelog.
type pgxLogger struct {
	logger *log.Logger
}

// logFuncForLevel maps a pgx log severity level to a logger method.
func (l *pgxLogger) logFuncForLevel(level tracelog.LogLevel) func(string, ...interface{}) {
	switch level {
	case tracelog.LogLevelTrace, tracelog.LogLevelDebug:
		return l.logger.Debug
	case tracelog.LogLevelInfo:
		return l.logger.Info
	case tracelog.LogLevelWarn:
		return l.logger.Warn
	case tracelog.LogLevelError, tracelog.LogLevelNone:
		return l.logger.Error
	default:
		l.logger.Warn("Unknown log level", "unknown_level", level)
		return l.logger.Info
	}
}

// Log implements tracelog.Logger.
func (l *pgxLogger) Log(ctx context.Context, level tracelog.LogLevel, msg string, data map[string]interface{}) {
	args := []interface{}{}
	for k, v := range data {
		args = append(args, k, v)
	}

	logFunc := l.logFuncForLevel(level)
	logFunc(msg, args...)
}

// NewClient creates a new PostgreSQL client.
func NewClient(connString string, l *log.Logger) (*Client, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	// A pgx log line is emitted only if it clears both this level and the
	// level of our own logger. "Info" would log every statement.
	config.ConnConfig.Tracer = &tracelog.TraceLog{
		LogLevel: tracelog.LogLevelWarn,
		Logger: &pgxLogger{
			logger: l.WithModule(moduleName).With("db", config.ConnConfig.Database),
		},
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, err
	}
	return &Client{
		pool:   pool,
		logger: l.WithModule(moduleName),
	}, nil
}

// SendBatch submits a new batch of queries as an atomic transaction to PostgreSQL.
// Row counts are discarded; callers only learn about atomic success or failure.
func (c *Client) SendBatch(ctx context.Context, batch *storage.QueryBatch) error {
	return c.SendBatchWithOptions(ctx, batch, pgx.TxOptions{})
}

// sendBatchWithOptionsFast sends the whole batch in one roundtrip. pgx
// attributes any failure in the batch to its first query, so the error it
// returns is only good for deciding to retry on the slow path.
func (c *Client) sendBatchWithOptionsFast(ctx context.Context, batch *storage.QueryBatch, opts pgx.TxOptions) error {
	pgxBatch := batch.AsPgxBatch()
	var batchResults pgx.BatchResults
	var emptyTxOptions pgx.TxOptions
	var tx pgx.Tx
	var err error

	// Begin a transaction.
	useExplicitTx := opts != emptyTxOptions
	if useExplicitTx {
		// set up our own tx with the specified options
		tx, err = c.pool.BeginTx(ctx, opts)
		if err != nil {
			return fmt.Errorf("failed to begin tx: %w", err)
		}
		batchResults = tx.SendBatch(ctx, &pgxBatch)
	} else {
		// pool.SendBatch runs the batch in an implicit transaction.
		batchResults = c.pool.SendBatch(ctx, &pgxBatch)
	}
	defer common.CloseOrLog(batchResults, c.logger)

	// Exec indiviual queries in the batch.
	for i := 0; i < pgxBatch.Len(); i++ {
		if _, err := batchResults.Exec(); err != nil {
			rollbackErr := ""
			if useExplicitTx {
				err2 := tx.Rollback(ctx)
				if err2 != nil {
					rollbackErr = fmt.Sprintf("; also failed to rollback tx: %s", err2.Error())
				}
			}
			return fmt.Errorf("query %d %v: %w%s", i, batch.Queries()[i], err, rollbackErr)
		}
	}

	// Commit the tx.
	if useExplicitTx {
		err := tx.Commit(ctx)
		if err != nil {
			return fmt.Errorf("failed to commit tx: %w", err)
		}
	}
	return nil
}

// sendBatchWithOptionsSlow sends one query at a time inside a transaction,
// which pinpoints the failing query.
func (c *Client) sendBatchWithOptionsSlow(ctx context.Context, batch *storage.QueryBatch, opts pgx.TxOptions) error {
	// Begin a transaction.
	tx, err := c.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}

	// Exec indiviual queries in the batch.
	for i, q := range batch.Queries() {
		if _, err2 := tx.Exec(ctx, q.Cmd, q.Args...); err2 != nil {
			rollbackErr := ""
			err3 := tx.Rollback(ctx)
			if err3 != nil {
				rollbackErr = fmt.Sprintf("; also failed to rollback tx: %s", err3.Error())
			}
			return fmt.Errorf("query %d %v: %w%s", i, q, err2, rollbackErr)
		}
	}

	// Commit the transaction.
	err = tx.Commit(ctx)
	if err != nil {
		c.logger.Error("failed to submit tx",
			"error", err,
			"batch", batch.Queries(),
		)
		return err
	}
	return nil
}

func (c *Client) SendBatchWithOptions(ctx context.Context, batch *storage.QueryBatch, opts pgx.TxOptions) error {
	if err := c.sendBatchWithOptionsFast(ctx, batch, opts); err == nil {
		return nil
	}
	// The transaction was rolled back; resubmit for a precise error.
	return c.sendBatchWithOptionsSlow(ctx, batch, opts)
}

// Query submits a new read query to PostgreSQL.
func (c *Client) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	rows, err := c.pool.Query(ctx, sql, args...)
	if err != nil {
		c.logger.Error("failed to query db",
			"error", err,
			"query_cmd", sql,
			"query_args", args,
		)
		return nil, err
	}
	return rows, nil
}

// Insert implements storage.Store.
func (c *Client) Insert(ctx context.Context, table string, rows []storage.Row) error {
	return c.write(ctx, table, rows, false)
}

// Upsert implements storage.Store.
func (c *Client) Upsert(ctx context.Context, table string, rows []storage.Row) error {
	return c.write(ctx, table, rows, true)
}

func (c *Client) write(ctx context.Context, table string, rows []storage.Row, merge bool) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &storage.QueryBatch{}
	for i, r := range rows {
		if r.ID() == "" {
			return fmt.Errorf("write %s: row %d: missing id", table, i)
		}
		batch.Queue(insertSQL(table, r, merge))
	}
	if err := c.SendBatch(ctx, batch); err != nil {
		return fmt.Errorf("write %s: %w", table, err)
	}
	return nil
}

// Remove implements storage.Store.
func (c *Client) Remove(ctx context.Context, table string, filters ...storage.Filter) error {
	sql, args, err := deleteSQL(table, filters)
	if err != nil {
		return fmt.Errorf("remove from %s: %w", table, err)
	}
	if _, err := c.pool.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("remove from %s: %w", table, err)
	}
	return nil
}

// Find implements storage.Store.
func (c *Client) Find(ctx context.Context, q storage.Query) ([]storage.Row, error) {
	sql, args, err := selectSQL(q)
	if err != nil {
		return nil, fmt.Errorf("find in %s: %w", q.Table, err)
	}
	rows, err := c.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("find in %s: %w", q.Table, err)
	}
	out := make([]storage.Row, len(maps))
	for i, m := range maps {
		out[i] = storage.Row(m)
	}
	return out, nil
}

// FindBy implements storage.Store.
func (c *Client) FindBy(ctx context.Context, table string, field string, value interface{}) ([]storage.Row, error) {
	return c.Find(ctx, storage.Query{Table: table, Filters: []storage.Filter{storage.Eq(field, value)}})
}

// Close closes the connection pool.
func (c *Client) Close() {
	c.pool.Close()
}

// Name implements storage.Store.
func (c *Client) Name() string {
	return moduleName
}

// listTables returns all tables that are not internal to Postgres, fully
// qualified as "<schema>.<table>".
func (c *Client) listTables(ctx context.Context) ([]string, error) {
	return c.listQualified(ctx, `
		SELECT schemaname, tablename
		FROM pg_tables
		WHERE schemaname != 'information_schema' AND schemaname NOT LIKE 'pg_%'
	`)
}

func (c *Client) listTypes(ctx context.Context) ([]string, error) {
	return c.listQualified(ctx, `
		SELECT      n.nspname as schema, t.typname as type
		FROM        pg_type t
		LEFT JOIN   pg_catalog.pg_namespace n ON n.oid = t.typnamespace
		WHERE       (t.typrelid = 0 OR (SELECT c.relkind = 'c' FROM pg_catalog.pg_class c WHERE c.oid = t.typrelid))
		AND     NOT EXISTS(SELECT 1 FROM pg_catalog.pg_type el WHERE el.oid = t.typelem AND el.typarray = t.oid)
		AND     n.nspname != 'information_schema' AND n.nspname NOT LIKE 'pg_%';
	`)
}

func (c *Client) listQualified(ctx context.Context, sql string) ([]string, error) {
	rows, err := c.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	names := []string{}
	defer rows.Close()
	for rows.Next() {
		var schema, name string
		if err = rows.Scan(&schema, &name); err != nil {
			return nil, err
		}
		names = append(names, pgx.Identifier{schema, name}.Sanitize())
	}
	return names, rows.Err()
}

// Wipe removes all contents of the database.
func (c *Client) Wipe(ctx context.Context) error {
	tables, err := c.listTables(ctx)
	if err != nil {
		return err
	}
	for _, table := range tables {
		c.logger.Info("dropping table", "table", table)
		if _, err = c.pool.Exec(ctx, fmt.Sprintf("DROP TABLE %s CASCADE;", table)); err != nil {
			return err
		}
	}

	types, err := c.listTypes(ctx)
	if err != nil {
		return err
	}
	for _, typ := range types {
		c.logger.Info("dropping type", "type", typ)
		if _, err = c.pool.Exec(ctx, fmt.Sprintf("DROP TYPE %s CASCADE;", typ)); err != nil {
			return err
		}
	}
	return nil
}
