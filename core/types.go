package core

type (
	// Row and Header are attributes of ResultStream iterator
	Row    []any
	Header []string

	// Meta holds metadata
	Meta struct {
		// status of the statement which produced the stream (e.g. "INSERT 3")
		Status string
		// rows read from the stream so far
		RowCount int
	}

	// ResultStream is a result from executed query and has a form of an iterator
	ResultStream interface {
		Meta() *Meta
		Header() Header
		Next() (Row, error)
		HasNext() bool
		Close()
	}
)

// ConStatus is the transaction state of a connection, normalized across vendors.
type ConStatus int

const (
	ConStatusDisconnected ConStatus = iota
	ConStatusIdle
	ConStatusActive
	ConStatusInTransaction
	ConStatusInError
	ConStatusUnknown
)

func (s ConStatus) String() string {
	switch s {
	case ConStatusDisconnected:
		return "disconnected"
	case ConStatusIdle:
		return "idle"
	case ConStatusActive:
		return "active"
	case ConStatusInTransaction:
		return "in_transaction"
	case ConStatusInError:
		return "in_error"
	default:
		return "unknown"
	}
}

// FieldDescriptor describes a single column of a result set.
type FieldDescriptor struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// ErrorPosition is a 1-based location of an error inside a sql text.
type ErrorPosition struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// SearchOptions are the options of an advanced object search.
type SearchOptions struct {
	Text          string
	CaseSensitive bool
	Regex         bool
	// Categories limits the search to given object kinds (table, view, column, function).
	// Empty means all.
	Categories []string
}

type (
	// FormatterOptions provide various options for formatters
	FormatterOptions struct {
		// ChunkStart is the index of the first row of the table within the
		// whole result (for continued console output)
		ChunkStart int
	}

	// Formatter renders a table as text
	Formatter interface {
		Format(table *DataTable, opts *FormatterOptions) ([]byte, error)
	}
)
