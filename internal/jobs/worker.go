package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hibiken/asynq"

	"github.com/yourusername/docflow/internal/config"
	"github.com/yourusername/docflow/internal/engine"
	"github.com/yourusername/docflow/internal/lifecycle"
	"github.com/yourusername/docflow/internal/logging"
)

// Plan はジョブ1件分のエンジン起動内容です。
type Plan struct {
	Invocation engine.Invocation
	// OutputDir は成果物を公開する場所です。
	OutputDir string
	// WorkDir が空でなければジョブ専用の作業ディレクトリです。ワーカーが作成し、終了時に消します。
	// RESULT_FILE で報告された成果物は ArtifactName に改名して OutputDir へ移されます。
	WorkDir      string
	ArtifactName string
}

// Planner はジョブ種別から起動テンプレートを解決し、必須項目を検証します。
type Planner interface {
	Plan(job Job) (Plan, error)
}

// ProcessorOptions は Processor の依存です。
type ProcessorOptions struct {
	Planner   Planner
	Executor  engine.Executor
	Publisher Publisher
	Records   RecordStore
	Scheduler lifecycle.Scheduler
	// ResultBaseURL が空なら downloadRef は /download/<name> になります。
	ResultBaseURL string
	Logger        *slog.Logger
}

// Processor は1ジョブを実行し、進捗と終端結果を発行します。
type Processor struct {
	planner   Planner
	executor  engine.Executor
	publisher Publisher
	records   RecordStore
	scheduler lifecycle.Scheduler
	baseURL   string
	logger    *slog.Logger
}

// NewProcessor は Processor を作成します。
func NewProcessor(opts ProcessorOptions) (*Processor, error) {
	switch {
	case opts.Planner == nil:
		return nil, errors.New("planner is nil")
	case opts.Executor == nil:
		return nil, errors.New("executor is nil")
	case opts.Publisher == nil:
		return nil, errors.New("publisher is nil")
	case opts.Scheduler == nil:
		return nil, errors.New("scheduler is nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Processor{
		planner:   opts.Planner,
		executor:  opts.Executor,
		publisher: opts.Publisher,
		records:   opts.Records,
		scheduler: opts.Scheduler,
		baseURL:   opts.ResultBaseURL,
		logger:    logger.With(slog.String("component", "worker")),
	}, nil
}

// ProcessTask は asynq.Handler の実装です。
// 失敗は asynq.SkipRetry で包んで返すため、エンジン失敗が自動再試行されることはありません。
func (p *Processor) ProcessTask(ctx context.Context, task *asynq.Task) error {
	var job Job
	if err := json.Unmarshal(task.Payload(), &job); err != nil {
		return fmt.Errorf("decode job payload: %v: %w", err, asynq.SkipRetry)
	}
	if job.ID == "" {
		job.ID, _ = asynq.GetTaskID(ctx)
	}
	if job.Type == "" {
		job.Type = typeFromTask(task.Type())
	}

	attempt := 1
	if retried, ok := asynq.GetRetryCount(ctx); ok && retried > 0 {
		attempt = retried + 1
		p.logger.Warn("job redelivered",
			slog.String("job_id", job.ID),
			slog.String("kind", string(KindLeaseExpired)),
			slog.Int("retry", retried),
		)
	}
	if p.records != nil {
		if err := p.records.MarkRunning(ctx, job, attempt); err != nil {
			p.logger.Warn("failed to mark job running", slog.String("job_id", job.ID), logging.Error(err))
		}
	}

	result := p.Process(ctx, job)
	if result.Status == ResultFailure {
		return fmt.Errorf("%s: %s: %w", result.ErrorCode, result.ErrorDetail, asynq.SkipRetry)
	}
	return nil
}

// Process はジョブを実行して終端結果を返します。
// 進捗はエンジンの出力順に発行され、終端結果は常に最後に1回だけ発行されます。
// 入力ファイルは成否に関わらず削除予約されます。
func (p *Processor) Process(ctx context.Context, job Job) Result {
	logger := p.logger.With(slog.String("job_id", job.ID), slog.String("type", string(job.Type)))
	started := time.Now()

	// 終端結果と後始末はタイムアウトやシャットダウン後も届ける
	finishCtx := context.WithoutCancel(ctx)
	var seq int64

	defer func() {
		for _, input := range job.Payload.Inputs() {
			p.scheduler.ScheduleDeletion(input)
		}
	}()

	plan, err := p.planner.Plan(job)
	if err != nil {
		jobErr := AsError(err)
		logger.Warn("job rejected", slog.String("code", jobErr.Code), logging.Error(err))
		return p.finish(finishCtx, job, &seq, p.failure(job, jobErr.Code, jobErr.Message))
	}

	if plan.WorkDir != "" {
		if err := os.MkdirAll(plan.WorkDir, 0o750); err != nil {
			logger.Error("failed to create work dir", slog.String("path", plan.WorkDir), logging.Error(err))
			return p.finish(finishCtx, job, &seq, p.failure(job, CodeInternal, "作業ディレクトリを作成できませんでした。"))
		}
		defer func() {
			if err := os.RemoveAll(plan.WorkDir); err != nil {
				logger.Warn("failed to remove work dir", slog.String("path", plan.WorkDir), logging.Error(err))
			}
		}()
	}

	logger.Info("engine starting", slog.String("command", plan.Invocation.Command))
	outcome := p.executor.Execute(ctx, plan.Invocation, func(line string) {
		seq++
		if err := p.publisher.Publish(ctx, progressEvent(job, seq, line)); err != nil {
			logger.Warn("failed to publish progress", logging.Error(err))
		}
		if p.records != nil {
			if err := p.records.UpdateProgress(ctx, job.ID, line); err != nil {
				logger.Debug("failed to record progress", logging.Error(err))
			}
		}
	})

	switch outcome.Kind {
	case engine.KindSpawnFault:
		logger.Error("engine could not be started", slog.String("reason", outcome.Reason))
		return p.finish(finishCtx, job, &seq, p.failure(job, CodeSpawnError, outcome.Reason))
	case engine.KindFailure:
		logger.Warn("engine failed",
			slog.Int("exit_code", outcome.ExitCode),
			slog.String("diagnostic", outcome.Diagnostic),
		)
		return p.finish(finishCtx, job, &seq, p.failure(job, CodeEngineFailure, outcome.Diagnostic))
	}

	artifact := outcome.Artifact
	if outcome.ResultFile != "" {
		var err error
		if artifact, err = collectResultFile(plan, outcome.ResultFile); err != nil {
			logger.Warn("failed to collect result file", slog.String("result_file", outcome.ResultFile), logging.Error(err))
		}
	}

	result := Result{
		CorrelationToken: job.Payload.CorrelationToken,
		JobID:            job.ID,
		Status:           ResultSuccess,
	}
	if artifact != "" {
		result.DownloadRef = p.downloadRef(filepath.Base(artifact))
	}
	if outcome.Duration != nil {
		seconds := outcome.Duration.Seconds()
		result.Duration = &seconds
	}

	var size int64
	if info, err := os.Stat(artifact); err == nil && artifact != "" {
		size = info.Size()
		p.scheduler.ScheduleDeletion(artifact)
	} else {
		logger.Warn("engine exited cleanly without an artifact",
			slog.String("kind", string(KindArtifactMissing)),
			slog.String("artifact", artifact),
		)
	}
	result.FileSize = &size

	logger.Info("job completed",
		slog.String("download_ref", result.DownloadRef),
		slog.String("size", humanize.Bytes(uint64(size))),
		slog.Duration("elapsed", time.Since(started)),
	)
	return p.finish(finishCtx, job, &seq, result)
}

// collectResultFile は RESULT_FILE で報告された成果物の公開パスを返します。
// 作業ディレクトリを使うジョブでは成果物を ArtifactName で OutputDir へ移します。
func collectResultFile(plan Plan, reported string) (string, error) {
	name := filepath.Base(reported)
	if plan.WorkDir == "" {
		return filepath.Join(plan.OutputDir, name), nil
	}
	if plan.ArtifactName != "" {
		name = plan.ArtifactName
	}
	dst := filepath.Join(plan.OutputDir, name)
	if err := os.Rename(filepath.Join(plan.WorkDir, filepath.Base(reported)), dst); err != nil {
		return dst, fmt.Errorf("move result file: %w", err)
	}
	return dst, nil
}

func (p *Processor) failure(job Job, code, detail string) Result {
	return Result{
		CorrelationToken: job.Payload.CorrelationToken,
		JobID:            job.ID,
		Status:           ResultFailure,
		ErrorCode:        code,
		ErrorDetail:      detail,
	}
}

func (p *Processor) finish(ctx context.Context, job Job, seq *int64, result Result) Result {
	if p.records != nil {
		var err error
		if result.Status == ResultSuccess {
			err = p.records.MarkDone(ctx, job.ID, result)
		} else {
			err = p.records.MarkFailed(ctx, job.ID, result)
		}
		if err != nil {
			p.logger.Warn("failed to update job record", slog.String("job_id", job.ID), logging.Error(err))
		}
	}

	*seq++
	if err := p.publisher.Publish(ctx, resultEvent(job, *seq, result)); err != nil {
		p.logger.Error("failed to publish result", slog.String("job_id", job.ID), logging.Error(err))
	}
	return result
}

func (p *Processor) downloadRef(name string) string {
	base := strings.TrimRight(p.baseURL, "/")
	if base == "" {
		return path.Join("/download", name)
	}
	return base + "/" + name
}

// Pool は固定並列数の asynq サーバーです。
type Pool struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *slog.Logger
}

// NewPool はワーカープールを作成します。
func NewPool(cfg *config.Config, handler asynq.Handler, logger *slog.Logger) (*Pool, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if handler == nil {
		return nil, errors.New("handler is nil")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	opt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	logger = logger.With(slog.String("component", "pool"))

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: cfg.WorkerConcurrency,
		Queues: map[string]int{
			QueueName: 1,
		},
		Logger: logging.NewAsynqLogger(logger),
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			id, _ := asynq.GetTaskID(ctx)
			logger.Warn("task finished with error",
				slog.String("job_id", id),
				slog.String("task", task.Type()),
				logging.Error(err),
			)
		}),
	})

	return &Pool{server: server, mux: newServeMux(handler, logger), logger: logger}, nil
}

// newServeMux は "convert:" で始まる全タスクを handler へ回します。未知の種別はジョブ失敗として扱われます。
func newServeMux(handler asynq.Handler, logger *slog.Logger) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Use(recoverMiddleware(logger))
	mux.Handle(taskTypePrefix, handler)
	return mux
}

// Start はワーカーをバックグラウンドで起動します。
func (p *Pool) Start() error {
	if err := p.server.Start(p.mux); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}
	p.logger.Info("worker pool started")
	return nil
}

// Shutdown は実行中のジョブを待ってから停止します。
func (p *Pool) Shutdown() {
	p.server.Shutdown()
	p.logger.Info("worker pool stopped")
}

func recoverMiddleware(logger *slog.Logger) asynq.MiddlewareFunc {
	return func(next asynq.Handler) asynq.Handler {
		return asynq.HandlerFunc(func(ctx context.Context, task *asynq.Task) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("task handler panicked", slog.String("task", task.Type()), slog.Any("panic", r))
					err = fmt.Errorf("handler panic: %v: %w", r, asynq.SkipRetry)
				}
			}()
			return next.ProcessTask(ctx, task)
		})
	}
}
