package events

import (
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you-humble/datacollector/internal/domain"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	out []published
	err error
}

func (f *fakeConn) Publish(subj string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.out = append(f.out, published{subject: subj, data: data})
	return nil
}

func (f *fakeConn) Subscribe(string, nats.MsgHandler) (*nats.Subscription, error) {
	return nil, errors.New("not connected")
}

func TestPublishRoundTrip(t *testing.T) {
	nc := &fakeConn{}
	p := NewPublisher(nc, "collector.progress")

	ev := domain.DownloadProgress{
		TaskID:         "t1",
		Status:         domain.StatusDownloading,
		Progress:       50,
		TotalSize:      6000,
		DownloadedSize: 3000,
		CurrentFile:    "ds1/sub-01/b.txt",
		CompletedFiles: 2,
		TotalFiles:     3,
	}
	p.Publish(ev)

	require.Len(t, nc.out, 1)
	assert.Equal(t, "collector.progress.t1", nc.out[0].subject)

	got, err := decode(nc.out[0].data)
	require.NoError(t, err)
	assert.Equal(t, ev, got)
}

func TestPublishErrorIsSwallowed(t *testing.T) {
	p := NewPublisher(&fakeConn{err: nats.ErrConnectionClosed}, "collector.progress")
	assert.NotPanics(t, func() { p.Publish(domain.DownloadProgress{TaskID: "t1"}) })
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := decode([]byte("not json"))
	assert.Error(t, err)

	_, err = decode([]byte(`{"status":"downloading"}`))
	assert.Error(t, err)
}
