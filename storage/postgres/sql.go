package postgres

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/chillwhales/lsp-indexer/storage"
)

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func sortedColumns(r storage.Row) []string {
	cols := make([]string, 0, len(r))
	for c := range r {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// insertSQL builds a single-row INSERT. With merge, an existing row with the
// same id gets the given columns overwritten; without, it is left alone.
func insertSQL(table string, r storage.Row, merge bool) (string, []interface{}) {
	cols := sortedColumns(r)
	quoted := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	args := make([]interface{}, len(cols))
	updates := []string{}
	for i, c := range cols {
		quoted[i] = ident(c)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = r[c]
		if c != "id" {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", quoted[i], quoted[i]))
		}
	}

	conflict := "DO NOTHING"
	if merge && len(updates) > 0 {
		conflict = "DO UPDATE SET " + strings.Join(updates, ", ")
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) %s",
		ident(table),
		strings.Join(quoted, ", "),
		strings.Join(placeholders, ", "),
		conflict,
	), args
}

// whereSQL renders filters as a WHERE clause, numbering placeholders from
// $1. It returns "" for no filters.
func whereSQL(filters []storage.Filter) (string, []interface{}, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}
	clauses := make([]string, 0, len(filters))
	args := []interface{}{}
	for _, f := range filters {
		col := ident(f.Field)
		switch f.Op {
		case storage.OpEq:
			if f.Value == nil {
				clauses = append(clauses, col+" IS NULL")
				continue
			}
			args = append(args, f.Value)
			clauses = append(clauses, fmt.Sprintf("%s = $%d", col, len(args)))
		case storage.OpIn:
			values, ok := f.Value.([]string)
			if !ok {
				return "", nil, fmt.Errorf("filter %s: IN wants []string, got %T", f.Field, f.Value)
			}
			args = append(args, values)
			clauses = append(clauses, fmt.Sprintf("%s = ANY($%d)", col, len(args)))
		case storage.OpLt:
			args = append(args, f.Value)
			clauses = append(clauses, fmt.Sprintf("%s < $%d", col, len(args)))
		default:
			return "", nil, fmt.Errorf("filter %s: unsupported operator %s", f.Field, f.Op)
		}
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

func selectSQL(q storage.Query) (string, []interface{}, error) {
	where, args, err := whereSQL(q.Filters)
	if err != nil {
		return "", nil, err
	}
	order := " ORDER BY id"
	if q.OrderBy != "" && q.OrderBy != "id" {
		order = fmt.Sprintf(" ORDER BY %s, id", ident(q.OrderBy))
	}
	limit := ""
	if q.Limit > 0 {
		limit = fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	return "SELECT * FROM " + ident(q.Table) + where + order + limit, args, nil
}

func deleteSQL(table string, filters []storage.Filter) (string, []interface{}, error) {
	if len(filters) == 0 {
		return "", nil, storage.ErrNoFilters
	}
	where, args, err := whereSQL(filters)
	if err != nil {
		return "", nil, err
	}
	return "DELETE FROM " + ident(table) + where, args, nil
}
