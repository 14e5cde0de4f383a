package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pgmanage/dbconsole/core"
)

const defaultEditLimit = 100

func qualifiedName(d core.Dialect, schema, table string) string {
	if schema == "" {
		return d.QuoteIdent(table)
	}
	return d.QuoteIdent(schema) + "." + d.QuoteIdent(table)
}

func (h *Handler) queryEditData(op *operation, req *QueryEditDataRequest) {
	op.failAs = ResponseQueryEditDataResult

	op.run = func(ctx context.Context) error {
		db, err := h.database(ctx, op, true)
		if err != nil {
			return err
		}

		d := db.Dialect()
		base := "SELECT * FROM " + qualifiedName(d, req.Schema, req.Table)

		var pk []string
		if keyer, ok := db.(core.PrimaryKeyer); ok {
			pk, err = keyer.PrimaryKey(ctx, req.Schema, req.Table)
			if err != nil {
				return fmt.Errorf("PrimaryKey: %w", err)
			}
		}
		if pk == nil {
			pk = []string{}
		}

		fields, err := db.GetFields(ctx, base)
		if err != nil {
			return err
		}

		query := base
		if filter := strings.TrimSpace(req.Filter); filter != "" {
			query += " WHERE " + filter
		}
		limit := req.Limit
		if limit <= 0 {
			limit = defaultEditLimit
		}
		query = d.Limit(query, limit)
		op.sql = query

		table, err := db.Query(ctx, query, false, true)
		if err != nil {
			return err
		}

		op.worker.push(ResponseQueryEditDataResult, &QueryEditDataResult{
			ColNames: columnsOf(table),
			Data:     table.Data(),
			PK:       pk,
			Fields:   fields,
		})
		return nil
	}
}

// editStatement renders the parameterized statement of one edited row.
func editStatement(d core.Dialect, target string, columns, pk []string, row *EditRow) (string, []any, error) {
	var (
		sb   strings.Builder
		args []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return d.Placeholder(len(args))
	}
	where := func() error {
		if len(pk) == 0 {
			return errors.New("table has no primary key")
		}
		if len(row.Key) != len(pk) {
			return fmt.Errorf("expected %d key values, got %d", len(pk), len(row.Key))
		}
		sb.WriteString(" WHERE ")
		for i, col := range pk {
			if i > 0 {
				sb.WriteString(" AND ")
			}
			sb.WriteString(d.QuoteIdent(col) + " = " + arg(row.Key[i]))
		}
		return nil
	}

	switch row.Mode {
	case "insert":
		if len(row.Values) != len(columns) {
			return "", nil, fmt.Errorf("expected %d values, got %d", len(columns), len(row.Values))
		}
		cols := make([]string, len(columns))
		vals := make([]string, len(columns))
		for i, col := range columns {
			cols[i] = d.QuoteIdent(col)
			vals[i] = arg(row.Values[i])
		}
		fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES (%s)", target, strings.Join(cols, ", "), strings.Join(vals, ", "))

	case "update":
		if len(row.Values) != len(columns) {
			return "", nil, fmt.Errorf("expected %d values, got %d", len(columns), len(row.Values))
		}
		sets := make([]string, len(columns))
		for i, col := range columns {
			sets[i] = d.QuoteIdent(col) + " = " + arg(row.Values[i])
		}
		fmt.Fprintf(&sb, "UPDATE %s SET %s", target, strings.Join(sets, ", "))
		if err := where(); err != nil {
			return "", nil, err
		}

	case "delete":
		fmt.Fprintf(&sb, "DELETE FROM %s", target)
		if err := where(); err != nil {
			return "", nil, err
		}

	default:
		return "", nil, fmt.Errorf("unknown row mode %q", row.Mode)
	}

	return sb.String(), args, nil
}

func (h *Handler) saveEditData(op *operation, req *SaveEditDataRequest) {
	op.failAs = ResponseSaveEditDataResult

	op.run = func(ctx context.Context) error {
		db, err := h.database(ctx, op, true)
		if err != nil {
			return err
		}

		d := db.Dialect()
		target := qualifiedName(d, req.Schema, req.Table)

		results := make([]SaveRowResult, 0, len(req.Rows))
		for i := range req.Rows {
			if op.worker.Cancelled() {
				return core.ErrCancelled
			}

			row := &req.Rows[i]
			res := SaveRowResult{Index: i, Mode: row.Mode}

			stmt, args, err := editStatement(d, target, req.Columns, req.PK, row)
			if err == nil {
				res.Affected, err = db.ExecuteParams(ctx, stmt, args...)
			}
			if err != nil {
				res.Error = true
				res.Message = err.Error()
			}
			results = append(results, res)
		}

		op.worker.push(ResponseSaveEditDataResult, &SaveEditDataResult{Rows: results})
		return nil
	}
}
