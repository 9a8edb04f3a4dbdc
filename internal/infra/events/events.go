// Package events mirrors task progress onto NATS subjects, one subject per
// task, so watchers outside the process can follow downloads.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/you-humble/datacollector/internal/domain"

	"github.com/nats-io/nats.go"
)

type Conn interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

type publisher struct {
	nc      Conn
	subject string
}

func NewPublisher(nc Conn, subject string) *publisher {
	return &publisher{nc: nc, subject: subject}
}

// Publish sends p on <subject>.<task id>. Failures are logged; progress
// delivery to outside watchers is best effort.
func (p *publisher) Publish(ev domain.DownloadProgress) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("marshal progress event", slog.String("error", err.Error()))
		return
	}

	subj := p.subject + "." + ev.TaskID
	if err := p.nc.Publish(subj, data); err != nil {
		slog.Warn("publish progress event",
			slog.String("subject", subj),
			slog.String("error", err.Error()),
		)
	}
}

// Listen calls fn for every progress event published under subject until ctx
// is done. An empty taskID follows every task.
func Listen(ctx context.Context, nc Conn, subject, taskID string, fn func(domain.DownloadProgress)) error {
	subj := subject + ".>"
	if taskID != "" {
		subj = subject + "." + taskID
	}

	sub, err := nc.Subscribe(subj, func(msg *nats.Msg) {
		ev, err := decode(msg.Data)
		if err != nil {
			slog.Warn("decode progress event",
				slog.String("subject", msg.Subject),
				slog.String("error", err.Error()),
			)
			return
		}
		fn(ev)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subj, err)
	}

	<-ctx.Done()

	if err := sub.Unsubscribe(); err != nil {
		slog.Warn("NATS unsubscribe", slog.String("error", err.Error()))
	}
	return nil
}

func decode(data []byte) (domain.DownloadProgress, error) {
	var ev domain.DownloadProgress
	if err := json.Unmarshal(data, &ev); err != nil {
		return domain.DownloadProgress{}, err
	}
	if ev.TaskID == "" {
		return domain.DownloadProgress{}, fmt.Errorf("event without task_id")
	}
	return ev, nil
}
