package core

import (
	"fmt"
	"math/big"
	"slices"
	"strings"
	"time"
)

// Row statuses produced by DataTable.Compare.
const (
	DiffEqual    = "E"
	DiffUpdated  = "U"
	DiffDeleted  = "D"
	DiffInserted = "I"
)

// EqualityPolicy tunes value comparison of DataTable.Equal.
type EqualityPolicy struct {
	// NullEqualsEmpty treats nil and "" as the same value.
	NullEqualsEmpty bool
}

// DefaultEqualityPolicy is used by tables created with NewDataTable.
var DefaultEqualityPolicy = EqualityPolicy{NullEqualsEmpty: true}

// DataTable is an in-memory tabular result with named columns.
type DataTable struct {
	Name    string
	Columns []string
	Rows    []Row

	// AllTypesStr coerces every non-nil value to string on insertion.
	AllTypesStr bool
	// Simple renders rows positionally instead of as column-name maps.
	Simple bool

	Policy EqualityPolicy
}

// NewDataTable creates an empty table.
func NewDataTable(name string, allTypesStr, simple bool) *DataTable {
	return &DataTable{
		Name:        name,
		AllTypesStr: allTypesStr,
		Simple:      simple,
		Policy:      DefaultEqualityPolicy,
	}
}

// derive creates an empty table with the same flags.
func (t *DataTable) derive(columns []string) *DataTable {
	return &DataTable{
		Name:        t.Name,
		Columns:     slices.Clone(columns),
		AllTypesStr: t.AllTypesStr,
		Simple:      t.Simple,
		Policy:      t.Policy,
	}
}

func (t *DataTable) AddColumn(name string) error {
	if len(t.Rows) > 0 {
		return fmt.Errorf("add column %q after rows: %w", name, ErrColumnMismatch)
	}
	if slices.Contains(t.Columns, name) {
		return fmt.Errorf("add column %q: %w", name, ErrDuplicateColumn)
	}
	t.Columns = append(t.Columns, name)
	return nil
}

func (t *DataTable) AddRow(row Row) error {
	if len(t.Columns) == 0 {
		return ErrNoColumns
	}
	if len(row) != len(t.Columns) {
		return fmt.Errorf("got %d values for %d columns: %w", len(row), len(t.Columns), ErrArityMismatch)
	}

	if t.AllTypesStr {
		converted := make(Row, len(row))
		for i, v := range row {
			converted[i] = toString(v)
		}
		row = converted
	}

	t.Rows = append(t.Rows, row)
	return nil
}

// Len returns the number of rows.
func (t *DataTable) Len() int {
	return len(t.Rows)
}

func (t *DataTable) columnIndex(name string) (int, error) {
	i := slices.Index(t.Columns, name)
	if i < 0 {
		return -1, fmt.Errorf("column %q: %w", name, ErrUnknownColumn)
	}
	return i, nil
}

func (t *DataTable) columnIndexes(names []string) ([]int, error) {
	out := make([]int, len(names))
	for i, n := range names {
		idx, err := t.columnIndex(n)
		if err != nil {
			return nil, err
		}
		out[i] = idx
	}
	return out, nil
}

// Select returns the rows whose key columns equal the given values.
func (t *DataTable) Select(keys []string, values []any) (*DataTable, error) {
	if len(keys) != len(values) {
		return nil, fmt.Errorf("select with %d keys and %d values: %w", len(keys), len(values), ErrArityMismatch)
	}
	idx, err := t.columnIndexes(keys)
	if err != nil {
		return nil, err
	}

	out := t.derive(t.Columns)
	for _, row := range t.Rows {
		if t.rowMatches(row, idx, values) {
			out.Rows = append(out.Rows, row)
		}
	}
	return out, nil
}

func (t *DataTable) rowMatches(row Row, idx []int, values []any) bool {
	for i, c := range idx {
		if !t.Equal(row[c], values[i]) {
			return false
		}
	}
	return true
}

// Merge appends rows of other to t. Both tables must have the same columns.
func (t *DataTable) Merge(other *DataTable) error {
	if !slices.Equal(t.Columns, other.Columns) {
		return fmt.Errorf("merge %v with %v: %w", t.Columns, other.Columns, ErrColumnMismatch)
	}
	t.Rows = append(t.Rows, other.Rows...)
	return nil
}

// Compare diffs t (old) against other (new) by primary key columns.
// The result has the columns of t followed by statusCol and diffCol.
// In ordered mode both tables must be sorted by pkCols.
func (t *DataTable) Compare(other *DataTable, pkCols []string, statusCol, diffCol string, ordered, keepEqual bool) (*DataTable, error) {
	if !slices.Equal(t.Columns, other.Columns) {
		return nil, fmt.Errorf("compare %v with %v: %w", t.Columns, other.Columns, ErrColumnMismatch)
	}
	pk, err := t.columnIndexes(pkCols)
	if err != nil {
		return nil, err
	}

	out := t.derive(append(slices.Clone(t.Columns), statusCol, diffCol))
	emit := func(row Row, status string, diff []string) {
		if status == DiffEqual && !keepEqual {
			return
		}
		r := append(slices.Clone(row), status, strings.Join(diff, ","))
		out.Rows = append(out.Rows, r)
	}

	if ordered {
		i, j := 0, 0
		for i < len(t.Rows) && j < len(other.Rows) {
			switch c := t.compareKeys(t.Rows[i], other.Rows[j], pk); {
			case c == 0:
				diff := t.changedColumns(t.Rows[i], other.Rows[j])
				if len(diff) == 0 {
					emit(other.Rows[j], DiffEqual, nil)
				} else {
					emit(other.Rows[j], DiffUpdated, diff)
				}
				i++
				j++
			case c < 0:
				emit(t.Rows[i], DiffDeleted, nil)
				i++
			default:
				emit(other.Rows[j], DiffInserted, nil)
				j++
			}
		}
		for ; i < len(t.Rows); i++ {
			emit(t.Rows[i], DiffDeleted, nil)
		}
		for ; j < len(other.Rows); j++ {
			emit(other.Rows[j], DiffInserted, nil)
		}
		return out, nil
	}

	matched := make([]bool, len(other.Rows))
	for _, row := range t.Rows {
		found := -1
		for j, candidate := range other.Rows {
			if !matched[j] && t.compareKeys(row, candidate, pk) == 0 {
				found = j
				break
			}
		}
		if found < 0 {
			emit(row, DiffDeleted, nil)
			continue
		}
		matched[found] = true
		diff := t.changedColumns(row, other.Rows[found])
		if len(diff) == 0 {
			emit(other.Rows[found], DiffEqual, nil)
		} else {
			emit(other.Rows[found], DiffUpdated, diff)
		}
	}
	for j, row := range other.Rows {
		if !matched[j] {
			emit(row, DiffInserted, nil)
		}
	}

	return out, nil
}

func (t *DataTable) changedColumns(a, b Row) []string {
	var diff []string
	for i, col := range t.Columns {
		if !t.Equal(a[i], b[i]) {
			diff = append(diff, col)
		}
	}
	return diff
}

func (t *DataTable) compareKeys(a, b Row, pk []int) int {
	for _, c := range pk {
		if t.Equal(a[c], b[c]) {
			continue
		}
		return compareValues(a[c], b[c])
	}
	return 0
}

// Transpose turns a single-row table into a two-column property sheet.
func (t *DataTable) Transpose(col1, col2 string) (*DataTable, error) {
	if len(t.Rows) != 1 {
		return nil, fmt.Errorf("transpose %d rows: %w", len(t.Rows), ErrNotSingleRow)
	}

	out := t.derive([]string{col1, col2})
	for i, c := range t.Columns {
		out.Rows = append(out.Rows, Row{c, t.Rows[0][i]})
	}
	return out, nil
}

// Distinct drops rows whose key columns repeat an earlier row.
func (t *DataTable) Distinct(pkCols []string) (*DataTable, error) {
	pk, err := t.columnIndexes(pkCols)
	if err != nil {
		return nil, err
	}

	out := t.derive(t.Columns)
	for _, row := range t.Rows {
		key := make([]any, len(pk))
		for i, c := range pk {
			key[i] = row[c]
		}
		existing, err := out.Select(pkCols, key)
		if err != nil {
			return nil, err
		}
		if existing.Len() == 0 {
			out.Rows = append(out.Rows, row)
		}
	}
	return out, nil
}

// Data returns rows in their wire shape: positional slices when the table is
// simple, column-name maps otherwise.
func (t *DataTable) Data() any {
	if t.Simple {
		rows := make([]Row, len(t.Rows))
		copy(rows, t.Rows)
		return rows
	}

	rows := make([]map[string]any, len(t.Rows))
	for i, row := range t.Rows {
		m := make(map[string]any, len(t.Columns))
		for c, name := range t.Columns {
			m[name] = row[c]
		}
		rows[i] = m
	}
	return rows
}

// Equal compares two cell values, normalizing numeric representations.
func (t *DataTable) Equal(a, b any) bool {
	if t.Policy.NullEqualsEmpty {
		if isEmpty(a) && isEmpty(b) {
			return true
		}
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if isNumber(a) || isNumber(b) {
		if na, ok := toRat(a); ok {
			if nb, ok := toRat(b); ok {
				return na.Cmp(nb) == 0
			}
		}
	}

	return stringify(a) == stringify(b)
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	}
	return false
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case []byte:
		return len(x) == 0
	}
	return false
}

// toRat converts numeric values (and numeric strings of decimal columns)
// into an exact rational.
func toRat(v any) (*big.Rat, bool) {
	r := new(big.Rat)
	switch x := v.(type) {
	case int:
		return r.SetInt64(int64(x)), true
	case int8:
		return r.SetInt64(int64(x)), true
	case int16:
		return r.SetInt64(int64(x)), true
	case int32:
		return r.SetInt64(int64(x)), true
	case int64:
		return r.SetInt64(x), true
	case uint:
		return r.SetUint64(uint64(x)), true
	case uint8:
		return r.SetUint64(uint64(x)), true
	case uint16:
		return r.SetUint64(uint64(x)), true
	case uint32:
		return r.SetUint64(uint64(x)), true
	case uint64:
		return r.SetUint64(x), true
	case float32:
		// go through the shortest decimal form so 0.1f == "0.1"
		_, ok := r.SetString(fmt.Sprint(x))
		return r, ok
	case float64:
		_, ok := r.SetString(fmt.Sprint(x))
		return r, ok
	case string:
		_, ok := r.SetString(strings.TrimSpace(x))
		return r, ok
	case []byte:
		_, ok := r.SetString(strings.TrimSpace(string(x)))
		return r, ok
	}
	return nil, false
}

func compareValues(a, b any) int {
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	if na, ok := toRat(a); ok {
		if nb, ok := toRat(b); ok {
			return na.Cmp(nb)
		}
	}
	return strings.Compare(stringify(a), stringify(b))
}

func toString(v any) any {
	if v == nil {
		return nil
	}
	return stringify(v)
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case fmt.Stringer:
		return x.String()
	}
	return fmt.Sprint(v)
}
