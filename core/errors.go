package core

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

var (
	ErrArityMismatch       = errors.New("row arity does not match column count")
	ErrNoColumns           = errors.New("table has no columns")
	ErrColumnMismatch      = errors.New("column lists do not match")
	ErrDuplicateColumn     = errors.New("duplicate column name")
	ErrUnknownColumn       = errors.New("unknown column")
	ErrNotSingleRow        = errors.New("table does not have exactly one row")
	ErrConnection          = errors.New("connection error")
	ErrCancelled           = errors.New("operation cancelled")
	ErrSpecialNotSupported = errors.New("special commands are not supported by this database")
	ErrNotOpen             = errors.New("database is not open")
)

// DatabaseError is a driver failure with its message kept verbatim.
type DatabaseError struct {
	Message string
	// Offset is a 1-based character offset into the statement, 0 if unknown.
	Offset int
	Err    error
}

func (e *DatabaseError) Error() string {
	return e.Message
}

func (e *DatabaseError) Unwrap() error {
	return e.Err
}

// NewDatabaseError wraps err unless it already is a *DatabaseError.
func NewDatabaseError(err error) error {
	if err == nil {
		return nil
	}
	var dbErr *DatabaseError
	if errors.As(err, &dbErr) {
		return err
	}
	return &DatabaseError{Message: err.Error(), Err: err}
}

var (
	nearTokenRe   = regexp.MustCompile(`near ["'](.*?)["']`)
	atLineRe      = regexp.MustCompile(`(?i)\bline:?\s+(\d+)`)
	atCharacterRe = regexp.MustCompile(`(?i)at character (\d+)`)
	atPositionRe  = regexp.MustCompile(`(?i)position:?\s+(\d+)`)
)

// GetErrorPosition extracts a row/column from a vendor error message.
// It returns nil when the message does not contain a location.
func GetErrorPosition(message, sql string) *ErrorPosition {
	if m := atCharacterRe.FindStringSubmatch(message); m != nil {
		if off, err := strconv.Atoi(m[1]); err == nil {
			return OffsetToPosition(sql, off)
		}
	}

	line := 0
	if m := atLineRe.FindStringSubmatch(message); m != nil {
		line, _ = strconv.Atoi(m[1])
	}

	if m := nearTokenRe.FindStringSubmatch(message); m != nil && m[1] != "" {
		token := m[1]
		idx := -1
		if line > 0 {
			// search only from the reported line on
			start := lineStart(sql, line)
			if i := strings.Index(sql[start:], token); i >= 0 {
				idx = start + i
			}
		}
		if idx < 0 {
			idx = strings.Index(sql, token)
		}
		if idx >= 0 {
			return OffsetToPosition(sql, len([]rune(sql[:idx]))+1)
		}
	}

	if line > 0 {
		return &ErrorPosition{Row: line, Col: 1}
	}

	if m := atPositionRe.FindStringSubmatch(message); m != nil {
		if off, err := strconv.Atoi(m[1]); err == nil {
			return OffsetToPosition(sql, off)
		}
	}

	return nil
}

// OffsetToPosition converts a 1-based character offset into a row and column.
func OffsetToPosition(sql string, offset int) *ErrorPosition {
	if offset < 1 {
		return nil
	}
	pos := &ErrorPosition{Row: 1, Col: 1}
	for i, r := range []rune(sql) {
		if i == offset-1 {
			return pos
		}
		if r == '\n' {
			pos.Row++
			pos.Col = 1
			continue
		}
		pos.Col++
	}
	return pos
}

// lineStart returns the byte index where a 1-based line begins.
func lineStart(sql string, line int) int {
	idx := 0
	for l := 1; l < line; l++ {
		i := strings.IndexByte(sql[idx:], '\n')
		if i < 0 {
			return 0
		}
		idx += i + 1
	}
	return idx
}
