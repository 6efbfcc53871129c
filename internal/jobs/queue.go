// Package jobs は変換ジョブのキュー投入、実行、状態管理を提供します。
//
// ゲートウェイとワーカーは別プロセスで動き、Redis 上の asynq キューと
// ジョブレコードだけを介して連携します。
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/yourusername/docflow/internal/config"
	"github.com/yourusername/docflow/internal/logging"
)

// QueueName は変換ジョブを流す asynq キュー名です。
const QueueName = "convert"

// Enqueuer はゲートウェイがジョブを投入する口です。
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType JobType, payload Payload) (string, error)
}

type taskClient interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

type queueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	Close() error
}

// QueueStats はキューの滞留状況です。
type QueueStats struct {
	Queue     string    `json:"queue"`
	Pending   int       `json:"pending"`
	Active    int       `json:"active"`
	Scheduled int       `json:"scheduled"`
	Retry     int       `json:"retry"`
	Archived  int       `json:"archived"`
	Completed int       `json:"completed"`
	Processed int       `json:"processedToday"`
	Failed    int       `json:"failedToday"`
	Timestamp time.Time `json:"timestamp"`
}

// Queue は asynq クライアントとジョブレコードをまとめたものです。
type Queue struct {
	client    taskClient
	inspector queueInspector
	store     *Store
	maxRetry  int
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewQueue は Queue を初期化します。
func NewQueue(cfg *config.Config, store *Store, logger *slog.Logger) (*Queue, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if store == nil {
		return nil, errors.New("store is nil")
	}
	opt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Queue{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		store:     store,
		maxRetry:  cfg.JobMaxRetry,
		timeout:   cfg.JobTimeout,
		logger:    logger.With(slog.String("component", "queue")),
		now:       time.Now,
	}, nil
}

// Enqueue はジョブをキューに投入し、ジョブIDを返します。
// ペイロードの検証は呼び出し側（カタログ）で済ませておく前提です。
func (q *Queue) Enqueue(ctx context.Context, jobType JobType, payload Payload) (string, error) {
	if jobType == "" {
		return "", NewValidationError("job type is required")
	}
	job := Job{
		ID:        uuid.NewString(),
		Type:      jobType,
		Payload:   payload,
		CreatedAt: q.now().UTC(),
	}

	if err := q.store.Upsert(ctx, &Record{
		JobID:     job.ID,
		Type:      job.Type,
		Status:    StatusQueued,
		CreatedAt: job.CreatedAt,
	}); err != nil {
		return "", fmt.Errorf("save job record: %w", err)
	}

	body, err := json.Marshal(job)
	if err != nil {
		return "", err
	}

	opts := []asynq.Option{
		asynq.TaskID(job.ID),
		asynq.Queue(QueueName),
		asynq.MaxRetry(q.maxRetry),
	}
	if q.timeout > 0 {
		opts = append(opts, asynq.Timeout(q.timeout))
	}

	info, err := q.client.EnqueueContext(ctx, asynq.NewTask(jobType.TaskType(), body), opts...)
	if err != nil {
		if markErr := q.store.MarkFailed(ctx, job.ID, Result{
			CorrelationToken: payload.CorrelationToken,
			JobID:            job.ID,
			Status:           ResultFailure,
			ErrorCode:        CodeInternal,
			ErrorDetail:      "failed to enqueue job",
		}); markErr != nil {
			err = fmt.Errorf("%w (record update failed: %v)", err, markErr)
		}
		return "", fmt.Errorf("enqueue %s: %w", jobType, err)
	}

	q.logger.Info("job enqueued",
		slog.String("job_id", info.ID),
		slog.String("type", string(jobType)),
		slog.Int("inputs", len(payload.Inputs())),
	)
	return info.ID, nil
}

// GetRecord はジョブ情報を取得します。
func (q *Queue) GetRecord(ctx context.Context, jobID string) (*Record, error) {
	return q.store.Get(ctx, jobID)
}

// Stats はキューの滞留数を返します。キューがまだ作られていない場合はゼロ値です。
func (q *Queue) Stats(ctx context.Context) (QueueStats, error) {
	stats := QueueStats{Queue: QueueName, Timestamp: q.now().UTC()}
	if err := ctx.Err(); err != nil {
		return stats, err
	}
	info, err := q.inspector.GetQueueInfo(QueueName)
	if err != nil {
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return stats, nil
		}
		return stats, fmt.Errorf("inspect queue: %w", err)
	}
	stats.Pending = info.Pending
	stats.Active = info.Active
	stats.Scheduled = info.Scheduled
	stats.Retry = info.Retry
	stats.Archived = info.Archived
	stats.Completed = info.Completed
	stats.Processed = info.Processed
	stats.Failed = info.Failed
	return stats, nil
}

// Close はクライアントとインスペクタを閉じます。
func (q *Queue) Close() error {
	return errors.Join(q.client.Close(), q.inspector.Close())
}
