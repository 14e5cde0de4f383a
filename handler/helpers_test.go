package handler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pgmanage/dbconsole/core"
	"github.com/pgmanage/dbconsole/core/mock"
	"github.com/pgmanage/dbconsole/session"
)

type testOpener struct {
	adapter *mock.Adapter
}

func (o *testOpener) Open(params *core.ConnectionParams) (core.Database, error) {
	return o.adapter.Connect(params)
}

func (o *testOpener) WithDatabase(params *core.ConnectionParams, name string) (*core.ConnectionParams, error) {
	url, err := o.adapter.WithDatabase(params.URL, name)
	if err != nil {
		return nil, err
	}
	out := params.Clone()
	out.URL = url
	return out, nil
}

type testEnv struct {
	h       *Handler
	sess    *session.Session
	adapter *mock.Adapter
	client  string
}

func newTestEnv(t *testing.T, opts ...mock.DatabaseOption) *testEnv {
	t.Helper()

	adapter := mock.NewAdapter(opts...)
	sess := session.New("alice", &testOpener{adapter: adapter}, nil)
	require.NoError(t, sess.AddDatabase(session.Database{
		Params: &core.ConnectionParams{ID: "db", Type: "mock", URL: "postgres://app:pw@db:5432/app"},
	}))

	cfg := DefaultConfig()
	cfg.DebugPollInterval = 5 * time.Millisecond
	cfg.TerminalFlushInterval = 5 * time.Millisecond

	h := New(NewRegistry(nil), WithConfig(cfg))
	t.Cleanup(h.Close)

	return &testEnv{h: h, sess: sess, adapter: adapter, client: "client-1"}
}

func (e *testEnv) send(t *testing.T, code RequestType, contextCode int, data any) {
	t.Helper()
	require.NoError(t, e.h.CreateRequest(context.Background(), e.client, e.sess, request(t, code, contextCode, data)))
}

func request(t *testing.T, code RequestType, contextCode int, data any) *Request {
	t.Helper()
	b, err := json.Marshal(data)
	require.NoError(t, err)
	return &Request{Code: code, ContextCode: contextCode, Data: b}
}

// pollUntil long polls until done accepts the collected envelopes.
func (e *testEnv) pollUntil(t *testing.T, done func([]Envelope) bool) []Envelope {
	t.Helper()

	var all []Envelope
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		out, err := e.h.LongPoll(ctx, e.client, false)
		cancel()
		require.NoError(t, err)

		all = append(all, out...)
		if done(all) {
			return all
		}
	}
	t.Fatalf("condition not met, got %d envelopes", len(all))
	return nil
}

// pollN long polls until n envelopes arrived.
func (e *testEnv) pollN(t *testing.T, n int) []Envelope {
	t.Helper()
	return e.pollUntil(t, func(envs []Envelope) bool { return len(envs) >= n })
}

// drain returns whatever arrives within d.
func (e *testEnv) drain(t *testing.T, d time.Duration) []Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	out, err := e.h.LongPoll(ctx, e.client, false)
	require.NoError(t, err)
	return out
}

func queryData(tabID, sql string, mode QueryMode) QueryRequest {
	return QueryRequest{
		TabRef:      TabRef{TabID: tabID, ConnTabID: "conn-1"},
		DatabaseRef: DatabaseRef{DatabaseIndex: "db"},
		SQL:         sql,
		Mode:        mode,
	}
}

func consoleData(sql string, mode QueryMode) ConsoleRequest {
	return ConsoleRequest{
		TabRef:      TabRef{TabID: "console", ConnTabID: "conn-1"},
		DatabaseRef: DatabaseRef{DatabaseIndex: "db"},
		SQL:         sql,
		Mode:        mode,
	}
}
