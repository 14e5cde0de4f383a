package handler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestChannel_PushPoll(t *testing.T) {
	r := require.New(t)
	ch := NewChannel()

	for i := 1; i <= 3; i++ {
		ch.Push(Envelope{Code: ResponsePong, ContextCode: i})
	}
	r.Equal(3, ch.Len())

	out, err := ch.Poll(context.Background(), false)
	r.NoError(err)
	r.Len(out, 3)
	for i, env := range out {
		r.Equal(i+1, env.ContextCode)
	}
	r.Zero(ch.Len())
}

func TestChannel_PollBlocksUntilPush(t *testing.T) {
	r := require.New(t)
	ch := NewChannel()

	result := make(chan []Envelope)
	go func() {
		out, err := ch.Poll(context.Background(), false)
		if err == nil {
			result <- out
		}
	}()

	select {
	case <-result:
		t.Fatal("poll returned without data")
	case <-time.After(50 * time.Millisecond):
	}

	ch.Push(Envelope{Code: ResponseQueryResult, ContextCode: 9})
	select {
	case out := <-result:
		r.Len(out, 1)
		r.Equal(9, out[0].ContextCode)
	case <-time.After(time.Second):
		t.Fatal("poll did not wake up")
	}
}

func TestChannel_Timeout(t *testing.T) {
	r := require.New(t)
	ch := NewChannel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	out, err := ch.Poll(ctx, false)
	r.ErrorIs(err, context.DeadlineExceeded)
	r.Empty(out)
}

func TestChannel_StartupSupersedes(t *testing.T) {
	r := require.New(t)
	ch := NewChannel()

	stale := make(chan error, 1)
	go func() {
		_, err := ch.Poll(context.Background(), false)
		stale <- err
	}()
	time.Sleep(20 * time.Millisecond)

	fresh := make(chan []Envelope, 1)
	go func() {
		out, _ := ch.Poll(context.Background(), true)
		fresh <- out
	}()

	select {
	case err := <-stale:
		r.ErrorIs(err, ErrPollSuperseded)
	case <-time.After(time.Second):
		t.Fatal("stale poller was not released")
	}

	ch.Push(Envelope{Code: ResponsePong, ContextCode: 1})
	select {
	case out := <-fresh:
		r.Len(out, 1)
	case <-time.After(time.Second):
		t.Fatal("fresh poller did not receive data")
	}
}
