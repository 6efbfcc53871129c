package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yourusername/docflow/internal/engine"
	"github.com/yourusername/docflow/internal/jobs"
)

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the conversion worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			if concurrency > 0 {
				ctx.cfg.WorkerConcurrency = concurrency
			}
			return runWorker(cmd.Context(), ctx)
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Override WORKER_CONCURRENCY")
	return cmd
}

func runWorker(parent context.Context, cc *commandContext) error {
	signalCtx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, logger, err := cc.ensure()
	if err != nil {
		return err
	}

	rdb, err := setupRedis(cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	files, lc, err := setupStorage(cfg, logger)
	if err != nil {
		return err
	}
	defer lc.Stop()

	processor, err := jobs.NewProcessor(jobs.ProcessorOptions{
		Planner:       newCatalog(cfg, files),
		Executor:      engine.NewProcessExecutor(),
		Publisher:     jobs.NewRedisPublisher(rdb, cfg.EventsChannel),
		Records:       jobs.NewStore(rdb, cfg.JobRecordTTL()),
		Scheduler:     lc,
		ResultBaseURL: cfg.JobResultBaseURL,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	pool, err := jobs.NewPool(cfg, processor, logger)
	if err != nil {
		return err
	}
	if err := pool.Start(); err != nil {
		return err
	}

	go lc.Run(signalCtx)
	logger.Info("worker running",
		slog.Int("concurrency", cfg.WorkerConcurrency),
		slog.String("engine", cfg.PythonBin),
		slog.String("scripts", cfg.EngineScriptDir),
	)

	<-signalCtx.Done()
	// 実行中のジョブを待ってから抜ける。タイマーは次回起動時のスイープが引き継ぐ
	pool.Shutdown()
	return nil
}
