package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix = "docflow:job:"

	maxUpdateAttempts = 8
)

// ErrRecordNotFound はレコードが存在しない（または期限切れ）ことを表します。
var ErrRecordNotFound = errors.New("job record not found")

// RecordStore は Worker がジョブ状態を書き込む先です。
type RecordStore interface {
	MarkRunning(ctx context.Context, job Job, attempt int) error
	UpdateProgress(ctx context.Context, jobID, message string) error
	MarkDone(ctx context.Context, jobID string, result Result) error
	MarkFailed(ctx context.Context, jobID string, result Result) error
}

// Store はジョブ状態を Redis に保存します。
type Store struct {
	rdb redis.UniversalClient
	ttl time.Duration
	now func() time.Time
}

// NewStore は Store を作成します。
func NewStore(rdb redis.UniversalClient, ttl time.Duration) *Store {
	return &Store{
		rdb: rdb,
		ttl: ttl,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Get はジョブ情報を取得します。存在しない場合は nil, nil を返します。
func (s *Store) Get(ctx context.Context, jobID string) (*Record, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode job record %s: %w", jobID, err)
	}
	return &record, nil
}

// Upsert はジョブ情報を保存します（存在しない場合は作成）。
func (s *Store) Upsert(ctx context.Context, record *Record) error {
	if record == nil {
		return fmt.Errorf("record is nil")
	}
	now := s.now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	if record.ExpiresAt.IsZero() && s.ttl > 0 {
		record.ExpiresAt = record.CreatedAt.Add(s.ttl)
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, jobKey(record.JobID), payload, s.ttl).Err()
}

// MarkRunning は実行開始を記録します。レコードが期限切れで消えていれば作り直します。
func (s *Store) MarkRunning(ctx context.Context, job Job, attempt int) error {
	err := s.updatePartial(ctx, job.ID, func(record *Record) {
		record.Status = StatusRunning
		record.Attempts = attempt
		record.Error = nil
	})
	if !errors.Is(err, ErrRecordNotFound) {
		return err
	}
	return s.Upsert(ctx, &Record{
		JobID:     job.ID,
		Type:      job.Type,
		Status:    StatusRunning,
		Attempts:  attempt,
		CreatedAt: job.CreatedAt,
	})
}

// UpdateProgress は直近の進捗メッセージを保存します。
func (s *Store) UpdateProgress(ctx context.Context, jobID, message string) error {
	return s.updatePartial(ctx, jobID, func(record *Record) {
		record.Progress.Lines++
		record.Progress.Message = message
	})
}

// MarkDone はジョブ完了時の情報を保存します。
func (s *Store) MarkDone(ctx context.Context, jobID string, result Result) error {
	return s.updatePartial(ctx, jobID, func(record *Record) {
		record.Status = StatusSucceeded
		record.DownloadRef = result.DownloadRef
		record.Result = &result
		record.Error = nil
	})
}

// MarkFailed はジョブ失敗時の情報を保存します。
func (s *Store) MarkFailed(ctx context.Context, jobID string, result Result) error {
	return s.updatePartial(ctx, jobID, func(record *Record) {
		record.Status = StatusFailed
		record.Result = &result
		record.Error = &ErrorInfo{
			Code:    result.ErrorCode,
			Message: result.ErrorDetail,
		}
	})
}

func (s *Store) updatePartial(ctx context.Context, jobID string, mutate func(*Record)) error {
	key := jobKey(jobID)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: %s", ErrRecordNotFound, jobID)
			}
			return err
		}
		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			return fmt.Errorf("decode job record %s: %w", jobID, err)
		}
		mutate(&record)
		record.UpdatedAt = s.now()
		payload, err := json.Marshal(&record)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateAttempts; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update job record %s: too much contention", jobID)
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
