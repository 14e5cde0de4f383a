package handler

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pgmanage/dbconsole/core"
	"github.com/pgmanage/dbconsole/core/mock"
	"github.com/pgmanage/dbconsole/history"
	"github.com/pgmanage/dbconsole/session"
)

func TestHandler_LoginAndPing(t *testing.T) {
	r := require.New(t)
	env := newTestEnv(t)

	env.send(t, RequestLogin, 1, nil)
	env.send(t, RequestPing, 2, nil)

	out := env.pollN(t, 2)
	r.Equal(ResponseLoginResult, out[0].Code)
	r.Equal(1, out[0].ContextCode)
	r.Equal(ResponsePong, out[1].Code)
	r.Equal(2, out[1].ContextCode)
}

func TestHandler_ProtocolViolation(t *testing.T) {
	r := require.New(t)
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.h.CreateRequest(ctx, env.client, env.sess, &Request{Code: 99})
	r.ErrorIs(err, ErrProtocolViolation)

	err = env.h.CreateRequest(ctx, env.client, env.sess, &Request{Code: RequestQuery, Data: json.RawMessage(`{"sql_cmd": 1}`)})
	r.ErrorIs(err, ErrProtocolViolation)

	// no conn_tab_id
	err = env.h.CreateRequest(ctx, env.client, env.sess, request(t, RequestQuery, 1, QueryRequest{
		DatabaseRef: DatabaseRef{DatabaseIndex: "db"},
		SQL:         "SELECT 1",
	}))
	r.ErrorIs(err, ErrProtocolViolation)
}

func TestHandler_Query_SelectOne(t *testing.T) {
	r := require.New(t)
	env := newTestEnv(t,
		mock.DatabaseWithQueryResult("SELECT 1", core.Header{"?column?"}, []core.Row{{1}}),
	)

	env.send(t, RequestQuery, 7, queryData("tab-1", "SELECT 1", ModeDataOperation))

	out := env.pollN(t, 1)
	r.Len(out, 1)
	r.Equal(ResponseQueryResult, out[0].Code)
	r.Equal(7, out[0].ContextCode)
	r.False(out[0].Error)

	res, ok := out[0].Data.(*QueryResult)
	r.True(ok)
	r.Equal([]string{"?column?"}, res.ColNames)
	r.Equal([]core.Row{{"1"}}, res.Data)
	r.True(res.LastBlock)
	r.Equal("SELECT 1", res.Status)
	r.Equal(core.ConStatusIdle, res.ConStatus)
	r.True(res.Chunks)

	b, err := json.Marshal(out[0])
	r.NoError(err)
	r.Contains(string(b), `"v_code":2`)
	r.Contains(string(b), `"col_names":["?column?"]`)
}

func TestHandler_Query_Blocks(t *testing.T) {
	r := require.New(t)
	env := newTestEnv(t, mock.DatabaseWithRows(mock.NewRows(0, 120)))
	env.h.config.FetchAllBlockSize = 10

	isLast := func(envs []Envelope) bool {
		res := envs[len(envs)-1].Data.(*QueryResult)
		return res.LastBlock
	}

	env.send(t, RequestQuery, 1, queryData("tab-1", "SELECT * FROM t", ModeDataOperation))
	out := env.pollN(t, 1)
	first := out[0].Data.(*QueryResult)
	r.Len(first.Data, 50)
	r.False(first.LastBlock)

	env.send(t, RequestQuery, 2, queryData("tab-1", "", ModeFetchMore))
	out = env.pollN(t, 1)
	more := out[0].Data.(*QueryResult)
	r.Len(more.Data, 50)
	r.False(more.LastBlock)
	r.Equal(core.Row{"50", "row_50"}, more.Data.([]core.Row)[0])

	env.send(t, RequestQuery, 3, queryData("tab-1", "", ModeFetchAll))
	out = env.pollUntil(t, func(envs []Envelope) bool { return len(envs) > 0 && isLast(envs) })

	total := 0
	for i, e := range out {
		res := e.Data.(*QueryResult)
		r.True(res.Chunks)
		r.Equal(i == len(out)-1, res.LastBlock)
		total += len(res.Data.([]core.Row))
	}
	r.Equal(20, total)

	// the statement ran once, later blocks came from the open cursor
	db := env.adapter.Databases()[0]
	r.Equal(1, db.Executions("SELECT * FROM t"))
}

func TestHandler_Query_Cancel(t *testing.T) {
	r := require.New(t)
	env := newTestEnv(t,
		mock.DatabaseWithRows(mock.NewRows(0, 100)),
		mock.DatabaseWithNextSleep(50*time.Millisecond),
	)

	env.send(t, RequestQuery, 1, queryData("tab-1", "SELECT * FROM slow", ModeDataOperation))

	client, ok := env.h.Registry().Client(env.client)
	r.True(ok)
	var tab *Tab
	r.Eventually(func() bool {
		tab = client.GetTab("tab-1", "conn-1")
		return tab != nil && tab.Worker() != nil && tab.Worker().State() == WorkerRunning
	}, time.Second, time.Millisecond)

	env.send(t, RequestCancelThread, 2, TabRef{TabID: "tab-1", ConnTabID: "conn-1"})

	out := env.pollN(t, 1)
	r.Len(out, 1)
	r.Equal(ResponseRemoveContext, out[0].Code)

	r.Eventually(func() bool { return tab.Worker().State() == WorkerCancelled }, 2*time.Second, 5*time.Millisecond)
	r.Empty(env.drain(t, 200*time.Millisecond))
}

func TestHandler_Query_FetchAllCancel(t *testing.T) {
	r := require.New(t)
	env := newTestEnv(t,
		mock.DatabaseWithRows(mock.NewRows(0, 100)),
		mock.DatabaseWithNextSleep(5*time.Millisecond),
	)
	env.h.config.FetchAllBlockSize = 5

	env.send(t, RequestQuery, 1, queryData("tab-1", "SELECT * FROM slow", ModeFetchAll))
	out := env.pollN(t, 1)
	r.Equal(ResponseQueryResult, out[0].Code)
	r.True(out[0].Data.(*QueryResult).Chunks)
	r.False(out[0].Data.(*QueryResult).LastBlock)

	env.send(t, RequestCancelThread, 2, TabRef{TabID: "tab-1", ConnTabID: "conn-1"})

	chunks := len(out)
	out = env.pollUntil(t, func(envs []Envelope) bool {
		return len(envs) > 0 && envs[len(envs)-1].Code == ResponseRemoveContext
	})
	for _, e := range out[:len(out)-1] {
		r.Equal(ResponseQueryResult, e.Code)
		r.False(e.Data.(*QueryResult).LastBlock)
		chunks++
	}
	r.Less(chunks, 20)

	client, ok := env.h.Registry().Client(env.client)
	r.True(ok)
	tab := client.GetTab("tab-1", "conn-1")
	r.Eventually(func() bool { return tab.Worker().State() == WorkerCancelled }, 2*time.Second, 5*time.Millisecond)
	r.Empty(env.drain(t, 200*time.Millisecond))
}

func TestHandler_InvalidPayloadKeepsRunningWorker(t *testing.T) {
	r := require.New(t)
	env := newTestEnv(t,
		mock.DatabaseWithRows(mock.NewRows(0, 100)),
		mock.DatabaseWithNextSleep(5*time.Millisecond),
	)
	ctx := context.Background()

	env.send(t, RequestQuery, 1, queryData("tab-1", "SELECT * FROM slow", ModeDataOperation))

	client, ok := env.h.Registry().Client(env.client)
	r.True(ok)
	var running *Worker
	r.Eventually(func() bool {
		tab := client.GetTab("tab-1", "conn-1")
		if tab == nil || tab.Worker() == nil {
			return false
		}
		running = tab.Worker()
		return running.State() == WorkerRunning
	}, time.Second, time.Millisecond)

	tabRef := TabRef{TabID: "tab-1", ConnTabID: "conn-1"}
	dbRef := DatabaseRef{DatabaseIndex: "db"}
	console := consoleData("SELECT 1", ModeDataOperation)
	console.TabRef = tabRef
	badFormat := console
	badFormat.Format = "xml"
	badMode := console
	badMode.Mode = QueryMode(7)

	invalid := []*Request{
		request(t, RequestQuery, 2, queryData("tab-1", "SELECT 1", QueryMode(9))),
		request(t, RequestExecute, 3, queryData("tab-1", "SELECT 1", QueryMode(-1))),
		request(t, RequestConsole, 4, badFormat),
		request(t, RequestConsole, 5, badMode),
		request(t, RequestDebug, 6, DebugRequest{TabRef: tabRef, DatabaseRef: dbRef, Mode: DebugMode(5)}),
		request(t, RequestQueryEditData, 7, QueryEditDataRequest{TabRef: tabRef, DatabaseRef: dbRef}),
		request(t, RequestSaveEditData, 8, SaveEditDataRequest{TabRef: tabRef, DatabaseRef: dbRef}),
		request(t, RequestTerminal, 9, TerminalRequest{DatabaseIndex: "db"}),
	}
	for _, req := range invalid {
		err := env.h.CreateRequest(ctx, env.client, env.sess, req)
		r.ErrorIs(err, ErrProtocolViolation, req.Code.String())
	}

	// the rejected requests never reached the tab
	r.Same(running, client.GetTab("tab-1", "conn-1").Worker())
	r.Equal(WorkerRunning, running.State())
	_, kills := env.adapter.Databases()[0].Cancels()
	r.Zero(kills)

	out := env.pollN(t, 1)
	r.Equal(1, out[0].ContextCode)
	r.False(out[0].Error)
	r.Len(out[0].Data.(*QueryResult).Data, 50)
	r.Eventually(func() bool { return running.State() == WorkerCompleted }, time.Second, time.Millisecond)
	r.Empty(env.drain(t, 100*time.Millisecond))
}

func TestResponseType_String(t *testing.T) {
	r := require.New(t)
	r.Equal("query_result", ResponseQueryResult.String())
	r.Equal("pong", ResponsePong.String())
	r.Equal("response(99)", ResponseType(99).String())
}

func TestHandler_Query_TwoTabs(t *testing.T) {
	r := require.New(t)
	env := newTestEnv(t,
		mock.DatabaseWithQueryResult("SELECT 'a'", core.Header{"a"}, []core.Row{{"a"}}),
		mock.DatabaseWithQueryResult("SELECT 'b'", core.Header{"b"}, []core.Row{{"b"}}),
	)

	env.send(t, RequestQuery, 1, queryData("tab-a", "SELECT 'a'", ModeDataOperation))
	env.send(t, RequestQuery, 2, queryData("tab-b", "SELECT 'b'", ModeDataOperation))

	out := env.pollN(t, 2)
	byContext := make(map[int]*QueryResult)
	for _, e := range out {
		byContext[e.ContextCode] = e.Data.(*QueryResult)
	}
	r.Equal([]string{"a"}, byContext[1].ColNames)
	r.Equal([]string{"b"}, byContext[2].ColNames)

	// every tab owns its connection
	r.Len(env.adapter.Databases(), 2)
}

func TestHandler_Query_FailurePosition(t *testing.T) {
	r := require.New(t)
	sql := "SELECT *\nFROM nope"
	env := newTestEnv(t,
		mock.DatabaseWithQueryError(sql, errors.New(`relation "nope" does not exist at character 15`)),
	)

	env.send(t, RequestQuery, 4, queryData("tab-1", sql, ModeDataOperation))

	out := env.pollN(t, 1)
	r.Equal(ResponseQueryResult, out[0].Code)
	r.True(out[0].Error)

	failure, ok := out[0].Data.(Failure)
	r.True(ok)
	r.Equal(`relation "nope" does not exist at character 15`, failure.Message)
	r.Equal(&core.ErrorPosition{Row: 2, Col: 6}, failure.Position)
}

func TestHandler_Query_CommitRollback(t *testing.T) {
	r := require.New(t)
	env := newTestEnv(t)

	autocommit := false
	data := queryData("tab-1", "INSERT INTO t VALUES (1)", ModeDataOperation)
	data.Autocommit = &autocommit
	env.send(t, RequestQuery, 1, data)
	out := env.pollN(t, 1)
	r.Equal(core.ConStatusInTransaction, out[0].Data.(*QueryResult).ConStatus)

	data.Mode = ModeCommit
	env.send(t, RequestQuery, 2, data)
	out = env.pollN(t, 1)
	res := out[0].Data.(*QueryResult)
	r.Equal("COMMIT 1", res.Status)
	r.Equal(ModeCommit, res.Mode)

	data.Mode = ModeRollback
	env.send(t, RequestQuery, 3, data)
	env.pollN(t, 1)

	db := env.adapter.Databases()[0]
	r.Equal(1, db.Executions("COMMIT"))
	r.Equal(1, db.Executions("ROLLBACK"))
}

func TestHandler_PasswordRequired(t *testing.T) {
	r := require.New(t)
	env := newTestEnv(t)
	r.NoError(env.sess.AddDatabase(session.Database{
		Params:        &core.ConnectionParams{ID: "prompt", Type: "mock", URL: "postgres://app@db:5432/app"},
		PromptTimeout: time.Minute,
	}))

	data := queryData("tab-1", "SELECT 1", ModeDataOperation)
	data.DatabaseIndex = "prompt"
	env.send(t, RequestQuery, 5, data)

	out := env.pollN(t, 1)
	r.Equal(ResponsePasswordRequired, out[0].Code)
	r.Equal(5, out[0].ContextCode)
	r.Equal("prompt", out[0].Data.(PasswordRequired).DatabaseIndex)
	r.Empty(env.adapter.Databases())

	r.NoError(env.sess.SetPassword("prompt", "secret"))
	env.send(t, RequestQuery, 6, data)
	out = env.pollN(t, 1)
	r.Equal(ResponseQueryResult, out[0].Code)
	r.False(out[0].Error)
}

func TestHandler_ConnectionFailure(t *testing.T) {
	r := require.New(t)
	env := newTestEnv(t, mock.DatabaseWithOpenError(errors.New("connection refused")))

	env.send(t, RequestQuery, 1, queryData("tab-1", "SELECT 1", ModeDataOperation))

	out := env.pollN(t, 1)
	r.Equal(ResponseMessageException, out[0].Code)
	r.True(out[0].Error)
	r.Contains(out[0].Data.(Failure).Message, "connection refused")
}

func TestHandler_Script(t *testing.T) {
	r := require.New(t)
	env := newTestEnv(t)

	env.send(t, RequestScript, 1, queryData("tab-1", "CREATE TABLE a (x int);\nINSERT INTO a VALUES (';');", ModeDataOperation))

	out := env.pollN(t, 1)
	res := out[0].Data.(*QueryResult)
	r.True(res.LastBlock)
	r.Equal("INSERT 1", res.Status)
	r.Empty(res.ColNames)

	db := env.adapter.Databases()[0]
	r.Equal([]string{"CREATE TABLE a (x int)", "INSERT INTO a VALUES (';')"}, db.Executed())
}

func TestHandler_QueryHistory(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()

	store, err := history.Open(ctx, filepath.Join(t.TempDir(), "history.db"), nil)
	r.NoError(err)
	t.Cleanup(func() { _ = store.Close() })

	env := newTestEnv(t, mock.DatabaseWithQueryResult("SELECT 1", core.Header{"x"}, []core.Row{{1}}))
	env.h.history = store

	data := queryData("tab-1", "SELECT 1", ModeDataOperation)
	data.TabTitle = "Query"
	env.send(t, RequestQuery, 1, data)
	out := env.pollN(t, 1)
	inserted := out[0].Data.(*QueryResult).InsertedID
	r.NotZero(inserted)

	env.send(t, RequestQuery, 2, data)
	out = env.pollN(t, 1)
	r.Equal(inserted, out[0].Data.(*QueryResult).InsertedID)

	r.Eventually(func() bool {
		queries, err := store.Queries(ctx, "alice", "db", 10)
		return err == nil && len(queries) == 2
	}, time.Second, 5*time.Millisecond)

	tabs, err := store.Tabs(ctx, "alice")
	r.NoError(err)
	r.Len(tabs, 1)
	r.Equal("SELECT 1", tabs[0].Snippet)
}

func TestHandler_LongPollTimeout(t *testing.T) {
	r := require.New(t)
	env := newTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	out, err := env.h.LongPoll(ctx, env.client, true)
	r.NoError(err)
	r.NotNil(out)
	r.Empty(out)
}

func TestHandler_ClearClient(t *testing.T) {
	r := require.New(t)
	env := newTestEnv(t, mock.DatabaseWithQueryResult("SELECT 1", core.Header{"x"}, []core.Row{{1}}))

	env.send(t, RequestQuery, 1, queryData("tab-1", "SELECT 1", ModeDataOperation))
	env.pollN(t, 1)

	r.True(env.h.ClearClient(env.client))
	r.True(env.adapter.Databases()[0].Closed())
	r.Zero(env.h.Registry().Len())
}

func TestHandler_SessionMissing(t *testing.T) {
	r := require.New(t)
	env := newTestEnv(t)

	r.NoError(env.h.CreateRequest(context.Background(), env.client, nil,
		request(t, RequestQuery, 3, queryData("tab-1", "SELECT 1", ModeDataOperation))))

	out := env.pollN(t, 1)
	r.Equal(ResponseSessionMissing, out[0].Code)
}
