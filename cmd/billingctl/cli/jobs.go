package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/carebook/carebook/jobs"
)

// QueueStats summarises the billing queue.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
	Paused    bool   `json:"paused"`
}

type periodEnqueuer interface {
	EnqueueBillingPeriodRun(ctx context.Context, payload jobs.BillingPeriodRunPayload) (*asynq.TaskInfo, error)
}

// queueAdmin backs the enqueue and queue commands.
type queueAdmin struct {
	enqueuer  periodEnqueuer
	inspector jobs.QueueInspector
	closers   []func() error
}

func newQueueAdmin(redisAddr string) *queueAdmin {
	opts := asynq.RedisClientOpt{Addr: redisAddr}
	client, _ := jobs.NewClient(opts)
	inspector := asynq.NewInspector(opts)
	return &queueAdmin{
		enqueuer:  client,
		inspector: inspector,
		closers:   []func() error{inspector.Close, client.Close},
	}
}

func (q *queueAdmin) EnqueuePeriodRun(ctx context.Context, payload jobs.BillingPeriodRunPayload) (*asynq.TaskInfo, error) {
	if q.enqueuer == nil {
		return nil, errors.New("queue client not configured")
	}
	return q.enqueuer.EnqueueBillingPeriodRun(ctx, payload)
}

func (q *queueAdmin) InspectQueue(context.Context) (QueueStats, error) {
	if q.inspector == nil {
		return QueueStats{}, errors.New("queue inspector not configured")
	}
	info, err := q.inspector.GetQueueInfo(jobs.QueueBilling)
	if err != nil {
		return QueueStats{}, fmt.Errorf("inspect %s queue: %w", jobs.QueueBilling, err)
	}
	stats := QueueStats{Queue: jobs.QueueBilling}
	if info == nil {
		return stats, nil
	}
	stats.Pending = info.Pending
	stats.Active = info.Active
	stats.Scheduled = info.Scheduled
	stats.Retry = info.Retry
	stats.Archived = info.Archived
	stats.Paused = info.Paused
	return stats, nil
}

func (q *queueAdmin) Close() error {
	var errs []error
	for _, closeFn := range q.closers {
		errs = append(errs, closeFn())
	}
	return errors.Join(errs...)
}
