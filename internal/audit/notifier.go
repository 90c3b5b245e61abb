package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// TaskRetry re-records an audit log the synchronous write lost.
const TaskRetry = "audit:retry"

// Recorder persists audit records.
type Recorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// FailureSink receives records the recorder rejected. The business operation has already committed.
type FailureSink interface {
	Failed(ctx context.Context, log shared.AuditLog, err error)
}

// Notifier records audit logs after commit. Failures are logged and handed to the sink, never returned.
type Notifier struct {
	recorder Recorder
	sink     FailureSink
	logger   *slog.Logger
}

// NewNotifier builds a Notifier. sink may be nil.
func NewNotifier(recorder Recorder, sink FailureSink, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{recorder: recorder, sink: sink, logger: logger}
}

// Notify records log detached from the caller's cancellation.
func (n *Notifier) Notify(ctx context.Context, log shared.AuditLog) {
	if n == nil || n.recorder == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := n.recorder.Record(ctx, log); err != nil {
		n.logger.Error("audit record failed",
			slog.String("tenant_id", log.TenantID),
			slog.String("action", log.Action),
			slog.String("entity", log.Entity),
			slog.String("entity_id", log.EntityID),
			slog.Any("error", err),
		)
		if n.sink != nil {
			n.sink.Failed(ctx, log, err)
		}
	}
}

// Failure pairs a lost record with its cause.
type Failure struct {
	Log shared.AuditLog
	Err error
}

// ChannelSink forwards failures to a buffered channel and drops them when it is full.
type ChannelSink struct {
	ch     chan Failure
	logger *slog.Logger
}

// NewChannelSink builds a sink with the given buffer.
func NewChannelSink(buffer int, logger *slog.Logger) *ChannelSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChannelSink{ch: make(chan Failure, buffer), logger: logger}
}

// C exposes received failures.
func (s *ChannelSink) C() <-chan Failure { return s.ch }

// Failed implements FailureSink.
func (s *ChannelSink) Failed(_ context.Context, log shared.AuditLog, err error) {
	select {
	case s.ch <- Failure{Log: log, Err: err}:
	default:
		s.logger.Warn("audit failure dropped", slog.String("action", log.Action), slog.String("entity_id", log.EntityID))
	}
}

// Enqueuer is the subset of asynq.Client the retry sink uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// RetrySink schedules failed records for another attempt on the worker.
type RetrySink struct {
	client Enqueuer
	queue  string
	logger *slog.Logger
}

// NewRetrySink builds a RetrySink targeting queue.
func NewRetrySink(client Enqueuer, queue string, logger *slog.Logger) *RetrySink {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetrySink{client: client, queue: queue, logger: logger}
}

// Failed implements FailureSink.
func (s *RetrySink) Failed(ctx context.Context, log shared.AuditLog, cause error) {
	task, err := NewRetryTask(log)
	if err != nil {
		s.logger.Error("audit retry encode failed", slog.Any("error", err), slog.Any("cause", cause))
		return
	}
	opts := []asynq.Option{asynq.MaxRetry(10), asynq.Timeout(30 * time.Second)}
	if s.queue != "" {
		opts = append(opts, asynq.Queue(s.queue))
	}
	if _, err := s.client.EnqueueContext(ctx, task, opts...); err != nil {
		s.logger.Error("audit retry enqueue failed", slog.Any("error", err), slog.Any("cause", cause))
	}
}

type retryPayload struct {
	TenantID string          `json:"tenant_id"`
	BranchID string          `json:"branch_id,omitempty"`
	Actor    string          `json:"actor"`
	Action   string          `json:"action"`
	Entity   string          `json:"entity"`
	EntityID string          `json:"entity_id"`
	Before   json.RawMessage `json:"before,omitempty"`
	After    json.RawMessage `json:"after,omitempty"`
	At       time.Time       `json:"at"`
}

// NewRetryTask encodes log as an audit:retry task.
func NewRetryTask(log shared.AuditLog) (*asynq.Task, error) {
	payload := retryPayload{
		TenantID: log.TenantID,
		BranchID: log.BranchID,
		Actor:    log.Actor,
		Action:   log.Action,
		Entity:   log.Entity,
		EntityID: log.EntityID,
		At:       log.At,
	}
	var err error
	if payload.Before, err = rawState(log.Before); err != nil {
		return nil, err
	}
	if payload.After, err = rawState(log.After); err != nil {
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRetry, data), nil
}

func rawState(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// HandleRetry returns the worker handler of audit:retry tasks.
func HandleRetry(recorder Recorder) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload retryPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("audit retry payload: %v: %w", err, asynq.SkipRetry)
		}
		log := shared.AuditLog{
			TenantID: payload.TenantID,
			BranchID: payload.BranchID,
			Actor:    payload.Actor,
			Action:   payload.Action,
			Entity:   payload.Entity,
			EntityID: payload.EntityID,
			At:       payload.At,
		}
		if len(payload.Before) > 0 {
			log.Before = payload.Before
		}
		if len(payload.After) > 0 {
			log.After = payload.After
		}
		if err := log.Validate(); err != nil {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return recorder.Record(ctx, log)
	}
}
