package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/hackgods/donation-scheduling/internal/appointment"
)

const TaskTypePrefix = "appointment:"

const (
	maxRetry      = 5
	taskRetention = 24 * time.Hour
)

// Enqueuer is the part of *asynq.Client the sink needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqSink publishes events as asynq tasks for the external notifier to consume.
type AsynqSink struct {
	client Enqueuer
	queue  string
}

func NewAsynqSink(client Enqueuer, queue string) *AsynqSink {
	return &AsynqSink{client: client, queue: queue}
}

// TaskType maps an event type such as APPOINTMENT_REQUEST_CREATED to
// "appointment:appointment_request_created".
func TaskType(eventType string) string {
	return TaskTypePrefix + strings.ToLower(eventType)
}

// NewEventTask builds the task for ev. The task id makes a re-enqueue of the same event a no-op.
func NewEventTask(ev appointment.Event, queue string) (*asynq.Task, []asynq.Option, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, nil, err
	}
	task := asynq.NewTask(TaskType(ev.Type), b)
	opts := []asynq.Option{
		asynq.Queue(queue),
		asynq.MaxRetry(maxRetry),
		asynq.Retention(taskRetention),
		asynq.TaskID(fmt.Sprintf("%s:%s:%d", ev.Type, ev.RequestID, ev.OccurredAt.UnixNano())),
	}

	return task, opts, nil
}

func (s *AsynqSink) Deliver(ctx context.Context, ev appointment.Event) error {
	task, opts, err := NewEventTask(ev, s.queue)
	if err != nil {
		return fmt.Errorf("build task: %w", err)
	}
	if _, err := s.client.EnqueueContext(ctx, task, opts...); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return fmt.Errorf("enqueue %s: %w", task.Type(), err)
	}
	return nil
}
