package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yourusername/docflow/internal/jobs"
	"github.com/yourusername/docflow/internal/logging"
)

const (
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
)

// Dispatcher はイベントの届け先です。
type Dispatcher interface {
	Dispatch(event jobs.Event) bool
}

// Subscriber はイベントチャンネルを購読し続けます。
type Subscriber struct {
	rdb        redis.UniversalClient
	channel    string
	dispatcher Dispatcher
	logger     *slog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
	ready      chan struct{}
}

// NewSubscriber は Subscriber を作成します。
func NewSubscriber(rdb redis.UniversalClient, channel string, dispatcher Dispatcher, logger *slog.Logger) *Subscriber {
	if channel == "" {
		channel = jobs.DefaultEventsChannel
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Subscriber{
		rdb:        rdb,
		channel:    channel,
		dispatcher: dispatcher,
		logger:     logger.With(slog.String("component", "bridge")),
		minBackoff: initialBackoff,
		maxBackoff: maxBackoff,
		ready:      make(chan struct{}),
	}
}

// Ready は最初の購読が成立すると閉じられます。
func (s *Subscriber) Ready() <-chan struct{} {
	return s.ready
}

// Run は ctx が終わるまで購読します。接続が切れたら指数バックオフで再購読し、自分からは終了しません。
func (s *Subscriber) Run(ctx context.Context) error {
	backoff := s.minBackoff
	for {
		subscribed, err := s.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if subscribed {
			backoff = s.minBackoff
		}
		s.logger.Warn("event subscription lost, retrying",
			slog.String("channel", s.channel),
			slog.Duration("backoff", backoff),
			logging.Error(err),
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		backoff *= 2
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
	}
}

// consume は1回分の購読です。購読が成立したかどうかとエラーを返します。
func (s *Subscriber) consume(ctx context.Context) (bool, error) {
	pubsub := s.rdb.Subscribe(ctx, s.channel)
	defer pubsub.Close()
	// ReceiveMessage は ctx の取り消しだけでは戻らないので、接続を閉じて読み取りを終わらせる
	stop := context.AfterFunc(ctx, func() { _ = pubsub.Close() })
	defer stop()

	if _, err := pubsub.Receive(ctx); err != nil {
		return false, fmt.Errorf("subscribe %s: %w", s.channel, err)
	}
	s.logger.Info("subscribed to events", slog.String("channel", s.channel))
	select {
	case <-s.ready:
	default:
		close(s.ready)
	}

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			return true, fmt.Errorf("receive: %w", err)
		}
		event, err := jobs.DecodeEvent(msg.Payload)
		if err != nil {
			s.logger.Warn("discarding malformed event", logging.Error(err))
			continue
		}
		s.dispatcher.Dispatch(event)
	}
}
