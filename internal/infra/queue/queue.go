package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Publisher is the part of nats.JetStreamContext the queue needs.
type Publisher interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

type queue struct {
	js      Publisher
	subject string
}

func New(js Publisher, subject string) *queue {
	return &queue{
		js:      js,
		subject: subject,
	}
}

// Enqueue asks a dispatcher worker to start the task.
func (q *queue) Enqueue(ctx context.Context, taskID string) error {
	if taskID == "" {
		return fmt.Errorf("empty taskID")
	}

	msg := &nats.Msg{
		Subject: q.subject,
		Data:    []byte(taskID),
		Header:  nats.Header{},
	}
	msg.Header.Set(nats.MsgIdHdr, uuid.NewString())

	ack, err := q.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("enqueue task %s: publish failed: %w", taskID, err)
	}

	slog.Debug(
		"task enqueued",
		slog.String("task_id", taskID),
		slog.String("subject", q.subject),
		slog.String("stream", ack.Stream),
		slog.Uint64("seq", ack.Sequence),
	)

	return nil
}
