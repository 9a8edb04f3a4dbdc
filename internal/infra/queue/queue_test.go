package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeJS struct {
	msgs []*nats.Msg
	err  error
}

func (f *fakeJS) PublishMsg(m *nats.Msg, _ ...nats.PubOpt) (*nats.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, m)
	return &nats.PubAck{Stream: "COLLECTOR_TASKS", Sequence: uint64(len(f.msgs))}, nil
}

func TestEnqueue(t *testing.T) {
	js := &fakeJS{}
	q := New(js, "collector.start")

	require.NoError(t, q.Enqueue(context.Background(), "task-1"))
	require.NoError(t, q.Enqueue(context.Background(), "task-1"))

	require.Len(t, js.msgs, 2)
	assert.Equal(t, "collector.start", js.msgs[0].Subject)
	assert.Equal(t, "task-1", string(js.msgs[0].Data))
	assert.NotEmpty(t, js.msgs[0].Header.Get(nats.MsgIdHdr))
	assert.NotEqual(t, js.msgs[0].Header.Get(nats.MsgIdHdr), js.msgs[1].Header.Get(nats.MsgIdHdr),
		"every start request is a separate message")
}

func TestEnqueueErrors(t *testing.T) {
	q := New(&fakeJS{}, "collector.start")
	assert.Error(t, q.Enqueue(context.Background(), ""))

	q = New(&fakeJS{err: errors.New("no responders")}, "collector.start")
	err := q.Enqueue(context.Background(), "task-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no responders")
}
