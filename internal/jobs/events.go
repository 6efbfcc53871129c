package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultEventsChannel は進捗/結果イベントの既定チャンネル名です。
const DefaultEventsChannel = "docflow:events"

// Publisher はイベントチャンネルへの送信口です。
// 1ジョブのイベントは同じゴルーチンから順に Publish されるため、チャンネル上の順序が保たれます。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// RedisPublisher は Redis Pub/Sub にイベントを流します。
type RedisPublisher struct {
	rdb     redis.UniversalClient
	channel string
}

// NewRedisPublisher は RedisPublisher を作成します。
func NewRedisPublisher(rdb redis.UniversalClient, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultEventsChannel
	}
	return &RedisPublisher{rdb: rdb, channel: channel}
}

// Channel は送信先チャンネル名を返します。
func (p *RedisPublisher) Channel() string {
	return p.channel
}

// Publish はイベントを JSON にして送信します。
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.channel, body).Err(); err != nil {
		return fmt.Errorf("publish %s event job=%s: %w", event.Kind, event.JobID, err)
	}
	return nil
}

// DecodeEvent はチャンネルから受け取ったメッセージを復元します。
func DecodeEvent(payload string) (Event, error) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	switch event.Kind {
	case EventProgress:
		if event.Progress == nil {
			return Event{}, fmt.Errorf("progress event without body job=%s", event.JobID)
		}
	case EventResult:
		if event.Result == nil {
			return Event{}, fmt.Errorf("result event without body job=%s", event.JobID)
		}
	default:
		return Event{}, fmt.Errorf("unknown event kind %q", event.Kind)
	}
	if event.Token == "" {
		return Event{}, fmt.Errorf("event without correlation token job=%s", event.JobID)
	}
	return event, nil
}

func progressEvent(job Job, seq int64, message string) Event {
	return Event{
		Kind:  EventProgress,
		Token: job.Payload.CorrelationToken,
		JobID: job.ID,
		Seq:   seq,
		Progress: &ProgressEvent{
			CorrelationToken: job.Payload.CorrelationToken,
			JobID:            job.ID,
			Message:          message,
		},
	}
}

func resultEvent(job Job, seq int64, result Result) Event {
	return Event{
		Kind:   EventResult,
		Token:  job.Payload.CorrelationToken,
		JobID:  job.ID,
		Seq:    seq,
		Result: &result,
	}
}
