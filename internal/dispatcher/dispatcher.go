package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/you-humble/datacollector/internal/domain"

	"github.com/nats-io/nats.go"
)

type Starter interface {
	Start(ctx context.Context, taskID string) error
}

type natsDispatcher struct {
	js       nats.JetStreamContext
	stream   string
	subject  string
	consumer string
	size     int
	starter  Starter

	done chan struct{}
	sub  *nats.Subscription
}

func New(
	js nats.JetStreamContext,
	stream, subject string,
	size int,
	starter Starter,
) *natsDispatcher {
	if size <= 0 {
		size = 1
	}
	return &natsDispatcher{
		js:       js,
		stream:   stream,
		subject:  subject,
		consumer: "collector-start-consumer",
		size:     size,
		starter:  starter,
		done:     make(chan struct{}, size),
	}
}

// Run binds the durable pull consumer and starts the workers. Workers stop
// when ctx is done.
func (d *natsDispatcher) Run(ctx context.Context) error {
	_, err := d.js.AddConsumer(d.stream, &nats.ConsumerConfig{
		Durable:       d.consumer,
		AckPolicy:     nats.AckExplicitPolicy,
		FilterSubject: d.subject,
		MaxAckPending: d.size * 2,
	})
	if err != nil && !errors.Is(err, nats.ErrConsumerNameAlreadyInUse) {
		return err
	}

	sub, err := d.js.PullSubscribe(d.subject, d.consumer)
	if err != nil {
		return err
	}
	d.sub = sub

	for range d.size {
		go func() {
			defer func() { d.done <- struct{}{} }()
			d.runWorker(ctx)
		}()
	}

	slog.Info("start dispatcher is running",
		slog.Int("workers", d.size),
		slog.String("subject", d.subject),
	)
	return nil
}

// Stop waits for every worker to return and drains the subscription. The
// ctx passed to Run must already be done or about to be.
func (d *natsDispatcher) Stop(ctx context.Context) {
	if d.sub == nil {
		return
	}

	for range d.size {
		select {
		case <-d.done:
		case <-ctx.Done():
			slog.Warn("start dispatcher: workers did not stop in time")
			return
		}
	}

	if err := d.sub.Drain(); err != nil {
		slog.Warn("NATS subscription drain", slog.String("error", err.Error()))
	}

	slog.Info("start dispatcher stopped")
}

func (d *natsDispatcher) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := d.sub.Fetch(1, nats.Context(ctx))
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
				continue
			}
			slog.Warn("NATS Fetch", slog.String("error", err.Error()))
			time.Sleep(100 * time.Millisecond)
			continue
		}

		for _, msg := range msgs {
			taskID := string(msg.Data)
			slog.Debug("start request received", slog.String("task_id", taskID))

			if err := d.starter.Start(ctx, taskID); err != nil {
				slog.Error("start task",
					slog.String("task_id", taskID),
					slog.String("error", err.Error()),
				)
				if retryable(err) {
					if err := msg.Nak(); err != nil {
						slog.Warn("NATS Nak", slog.String("error", err.Error()))
					}
					continue
				}
			}

			if err := msg.Ack(); err != nil {
				slog.Warn("NATS Ack", slog.String("error", err.Error()))
			}
		}
	}
}

// retryable reports whether a redelivery could succeed. Guard rejections and
// configuration problems are final; the task already carries the outcome.
func retryable(err error) bool {
	switch {
	case errors.Is(err, domain.ErrTaskNotFound),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrTaskRunning),
		errors.Is(err, domain.ErrConfiguration),
		errors.Is(err, domain.ErrUnsupportedProvider):
		return false
	}
	return true
}
