package handler

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pgmanage/dbconsole/core"
	"github.com/pgmanage/dbconsole/core/format"
)

// ErrProtocolViolation rejects malformed requests at the http boundary.
var ErrProtocolViolation = errors.New("protocol violation")

type RequestType int

const (
	RequestLogin RequestType = iota
	RequestQuery
	RequestExecute
	RequestScript
	RequestQueryEditData
	RequestSaveEditData
	RequestCancelThread
	RequestDebug
	RequestCloseTab
	RequestAdvancedObjectSearch
	RequestConsole
	RequestTerminal
	RequestPing
)

func (t RequestType) String() string {
	switch t {
	case RequestLogin:
		return "login"
	case RequestQuery:
		return "query"
	case RequestExecute:
		return "execute"
	case RequestScript:
		return "script"
	case RequestQueryEditData:
		return "query_edit_data"
	case RequestSaveEditData:
		return "save_edit_data"
	case RequestCancelThread:
		return "cancel_thread"
	case RequestDebug:
		return "debug"
	case RequestCloseTab:
		return "close_tab"
	case RequestAdvancedObjectSearch:
		return "advanced_object_search"
	case RequestConsole:
		return "console"
	case RequestTerminal:
		return "terminal"
	case RequestPing:
		return "ping"
	default:
		return fmt.Sprintf("request(%d)", int(t))
	}
}

type ResponseType int

const (
	ResponseLoginResult ResponseType = iota + 1
	ResponseQueryResult
	ResponseQueryEditDataResult
	ResponseSaveEditDataResult
	ResponseSessionMissing
	ResponsePasswordRequired
	ResponseQueryAck
	ResponseMessageException
	ResponseDebugResponse
	ResponseRemoveContext
	ResponseAdvancedObjectSearchResult
	ResponseConsoleResult
	ResponseTerminalResult
	ResponsePong
)

func (t ResponseType) String() string {
	switch t {
	case ResponseLoginResult:
		return "login_result"
	case ResponseQueryResult:
		return "query_result"
	case ResponseQueryEditDataResult:
		return "query_edit_data_result"
	case ResponseSaveEditDataResult:
		return "save_edit_data_result"
	case ResponseSessionMissing:
		return "session_missing"
	case ResponsePasswordRequired:
		return "password_required"
	case ResponseQueryAck:
		return "query_ack"
	case ResponseMessageException:
		return "message_exception"
	case ResponseDebugResponse:
		return "debug_response"
	case ResponseRemoveContext:
		return "remove_context"
	case ResponseAdvancedObjectSearchResult:
		return "advanced_object_search_result"
	case ResponseConsoleResult:
		return "console_result"
	case ResponseTerminalResult:
		return "terminal_result"
	case ResponsePong:
		return "pong"
	default:
		return fmt.Sprintf("response(%d)", int(t))
	}
}

// QueryMode selects what a query or console request does with the cursor of its tab.
type QueryMode int

const (
	ModeDataOperation QueryMode = iota
	ModeFetchMore
	ModeFetchAll
	ModeCommit
	ModeRollback
)

func (m QueryMode) String() string {
	switch m {
	case ModeDataOperation:
		return "data_operation"
	case ModeFetchMore:
		return "fetch_more"
	case ModeFetchAll:
		return "fetch_all"
	case ModeCommit:
		return "commit"
	case ModeRollback:
		return "rollback"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

type DebugMode int

const (
	DebugStart DebugMode = iota
	DebugStep
	DebugCancel
)

// Request is the body of create_request.
type Request struct {
	Code        RequestType     `json:"code"`
	ContextCode int             `json:"context_code"`
	Data        json.RawMessage `json:"data"`
}

// Envelope is one unit delivered through long polling.
type Envelope struct {
	Code        ResponseType `json:"v_code"`
	ContextCode int          `json:"v_context_code"`
	Error       bool         `json:"v_error"`
	Data        any          `json:"v_data"`
}

// request payloads
type (
	LoginRequest struct {
		User string `json:"user"`
	}

	TabRef struct {
		TabID     string `json:"tab_id"`
		ConnTabID string `json:"conn_tab_id"`
	}

	DatabaseRef struct {
		DatabaseIndex string `json:"db_index"`
		// DatabaseName selects another database of the same server
		DatabaseName string `json:"db_name"`
	}

	QueryRequest struct {
		TabRef
		DatabaseRef
		SQL          string    `json:"sql_cmd"`
		SQLSave      string    `json:"sql_save"`
		Mode         QueryMode `json:"mode"`
		Autocommit   *bool     `json:"autocommit"`
		TabTitle     string    `json:"tab_title"`
		TabPersistID int64     `json:"tab_persist_id"`
	}

	ConsoleRequest struct {
		TabRef
		DatabaseRef
		SQL        string    `json:"sql_cmd"`
		Mode       QueryMode `json:"mode"`
		Autocommit *bool     `json:"autocommit"`
		// Format is one of table, csv or json
		Format string `json:"format"`
	}

	QueryEditDataRequest struct {
		TabRef
		DatabaseRef
		Schema string `json:"schema"`
		Table  string `json:"table"`
		Filter string `json:"filter"`
		Limit  int    `json:"limit"`
	}

	EditRow struct {
		// Mode is insert, update or delete
		Mode   string `json:"mode"`
		Values []any  `json:"values"`
		// Key holds the original primary key values of updated and deleted rows
		Key []any `json:"key"`
	}

	SaveEditDataRequest struct {
		TabRef
		DatabaseRef
		Schema  string    `json:"schema"`
		Table   string    `json:"table"`
		Columns []string  `json:"columns"`
		PK      []string  `json:"pk"`
		Rows    []EditRow `json:"rows"`
	}

	SearchRequest struct {
		TabRef
		DatabaseRef
		Text          string   `json:"text"`
		CaseSensitive bool     `json:"case_sensitive"`
		Regex         bool     `json:"regex"`
		Categories    []string `json:"categories"`
	}

	DebugRequest struct {
		TabRef
		DatabaseRef
		Mode DebugMode `json:"mode"`
		// Function identifies the debugged function in the bookkeeping table
		Function string `json:"function"`
		// Call is the statement invoking the function
		Call       string `json:"call"`
		Breakpoint int    `json:"breakpoint"`
	}

	TerminalRequest struct {
		ConnTabID     string `json:"conn_tab_id"`
		DatabaseIndex string `json:"db_index"`
		Cmd           string `json:"cmd"`
		Cols          int    `json:"cols"`
		Rows          int    `json:"rows"`
	}

	CloseTabRequest struct {
		Tabs []TabRef `json:"tabs"`
	}

	RenewPasswordRequest struct {
		DatabaseIndex string `json:"database_index"`
		Password      string `json:"password"`
	}
)

// response payloads
type (
	Failure struct {
		Message  string              `json:"message"`
		Position *core.ErrorPosition `json:"position"`
	}

	QueryResult struct {
		ColNames   []string       `json:"col_names"`
		Data       any            `json:"data"`
		LastBlock  bool           `json:"last_block"`
		Duration   string         `json:"duration"`
		Notices    []string       `json:"notices"`
		InsertedID int64          `json:"inserted_id,omitempty"`
		Status     string         `json:"status"`
		ConStatus  core.ConStatus `json:"con_status"`
		Chunks     bool           `json:"chunks"`
		Mode       QueryMode      `json:"mode"`
	}

	ConsoleResult struct {
		Data            string         `json:"data"`
		LastBlock       bool           `json:"last_block"`
		ShowFetchButton bool           `json:"show_fetch_button"`
		Duration        string         `json:"duration"`
		Notices         []string       `json:"notices"`
		Status          string         `json:"status"`
		ConStatus       core.ConStatus `json:"con_status"`
		Error           string         `json:"error,omitempty"`
	}

	QueryEditDataResult struct {
		ColNames []string               `json:"col_names"`
		Data     any                    `json:"data"`
		PK       []string               `json:"pk"`
		Fields   []core.FieldDescriptor `json:"fields"`
	}

	SaveRowResult struct {
		Index    int    `json:"index"`
		Mode     string `json:"mode"`
		Affected int64  `json:"affected"`
		Error    bool   `json:"error"`
		Message  string `json:"message,omitempty"`
	}

	SaveEditDataResult struct {
		Rows []SaveRowResult `json:"rows"`
	}

	SearchResult struct {
		ColNames []string `json:"col_names"`
		Data     any      `json:"data"`
	}

	DebugResponse struct {
		// State is paused, finished or cancelled
		State     string       `json:"state"`
		Line      int          `json:"line,omitempty"`
		Variables any          `json:"variables,omitempty"`
		Result    *QueryResult `json:"result,omitempty"`
		Message   string       `json:"message,omitempty"`
	}

	TerminalResult struct {
		Data      string `json:"data"`
		LastBlock bool   `json:"last_block"`
	}

	PasswordRequired struct {
		DatabaseIndex string `json:"database_index"`
		Message       string `json:"message"`
	}

	MessageException struct {
		Message string `json:"message"`
	}
)

// decode unmarshals request data, mapping failures to ErrProtocolViolation.
// validator is implemented by payloads with constraints beyond their json shape.
type validator interface {
	validate() error
}

func decode[T any](data json.RawMessage) (*T, error) {
	out := new(T)
	if len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
		}
	}
	if v, ok := any(out).(validator); ok {
		if err := v.validate(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (m QueryMode) valid() bool {
	return m >= ModeDataOperation && m <= ModeRollback
}

func (r *QueryRequest) validate() error {
	if !r.Mode.valid() {
		return fmt.Errorf("%w: unknown query mode %d", ErrProtocolViolation, int(r.Mode))
	}
	return nil
}

func (r *ConsoleRequest) validate() error {
	if !r.Mode.valid() {
		return fmt.Errorf("%w: unknown console mode %d", ErrProtocolViolation, int(r.Mode))
	}
	if _, err := format.ByName(r.Format); err != nil {
		return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	return nil
}

func (r *QueryEditDataRequest) validate() error {
	if r.Table == "" {
		return fmt.Errorf("%w: table is required", ErrProtocolViolation)
	}
	return nil
}

func (r *SaveEditDataRequest) validate() error {
	if r.Table == "" {
		return fmt.Errorf("%w: table is required", ErrProtocolViolation)
	}
	return nil
}

func (r *DebugRequest) validate() error {
	if r.Mode < DebugStart || r.Mode > DebugCancel {
		return fmt.Errorf("%w: unknown debug mode %d", ErrProtocolViolation, int(r.Mode))
	}
	return nil
}

func (r *TerminalRequest) validate() error {
	if r.ConnTabID == "" || r.DatabaseIndex == "" {
		return fmt.Errorf("%w: conn_tab_id and db_index are required", ErrProtocolViolation)
	}
	return nil
}

func requireTab(tab TabRef, db DatabaseRef) error {
	if tab.ConnTabID == "" || db.DatabaseIndex == "" {
		return fmt.Errorf("%w: conn_tab_id and db_index are required", ErrProtocolViolation)
	}
	return nil
}
