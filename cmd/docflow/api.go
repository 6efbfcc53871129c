package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/yourusername/docflow/internal/bridge"
	"github.com/yourusername/docflow/internal/config"
	"github.com/yourusername/docflow/internal/convert"
	"github.com/yourusername/docflow/internal/jobs"
	"github.com/yourusername/docflow/internal/lifecycle"
	"github.com/yourusername/docflow/internal/logging"
	"github.com/yourusername/docflow/internal/storage"
)

const shutdownTimeout = 15 * time.Second

func newAPICommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Run the HTTP gateway and the progress bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAPI(cmd.Context(), ctx)
		},
	}
}

func runAPI(parent context.Context, cc *commandContext) error {
	signalCtx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, logger, err := cc.ensure()
	if err != nil {
		return err
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

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

	queue, err := jobs.NewQueue(cfg, jobs.NewStore(rdb, cfg.JobRecordTTL()), logger)
	if err != nil {
		return err
	}
	defer queue.Close()

	gateway, err := convert.NewGateway(convert.GatewayOptions{
		Catalog:   newCatalog(cfg, files),
		Queue:     queue,
		Files:     files,
		Scheduler: lc,
		MaxPages:  cfg.MaxPages,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	hub := bridge.NewHub(logger)
	defer hub.Close()
	subscriber := bridge.NewSubscriber(rdb, cfg.EventsChannel, hub, logger)

	go lc.Run(signalCtx)
	go func() {
		_ = subscriber.Run(signalCtx)
	}()

	router := newRouter(cfg, gateway, queue, hub)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting API server", slog.String("addr", srv.Addr), slog.String("mode", cfg.GinMode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api server shutdown incomplete", logging.Error(err))
	}
	logger.Info("api server stopped")
	return nil
}

// newRouter はミドルウェアとルーティングを設定したルーターを返します。
func newRouter(cfg *config.Config, gateway *convert.Gateway, queue jobLookup, hub *bridge.Hub) *gin.Engine {
	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()
	router.MaxMultipartMemory = 32 << 20

	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	origins := splitOrigins(cfg.CORSAllowedOrigins)
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = origins
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	corsConfig.ExposeHeaders = []string{"Content-Disposition"}
	router.Use(cors.New(corsConfig))

	router.GET("/health", handleHealth)
	gateway.Register(router)

	api := router.Group("/api")
	{
		api.GET("/jobs/:id", jobStatusHandler(queue))
		api.GET("/queue/stats", queueStatsHandler(queue))
	}
	router.GET("/ws", bridge.Handler(hub, origins))
	return router
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "docflow-api",
		"version": "0.1.0",
	})
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, origin := range strings.Split(raw, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}

func setupStorage(cfg *config.Config, logger *slog.Logger) (*storage.Local, *lifecycle.Manager, error) {
	files, err := storage.NewLocal(cfg.UploadDir, cfg.OutputDir, cfg.MaxFileSize)
	if err != nil {
		return nil, nil, err
	}
	lc, err := lifecycle.NewManager(lifecycle.Options{
		TTL:           cfg.FileTTL,
		SweepInterval: cfg.SweepInterval,
		Roots:         []string{files.UploadDir(), files.OutputDir()},
		Logger:        logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return files, lc, nil
}

func newCatalog(cfg *config.Config, files *storage.Local) *convert.Catalog {
	return convert.NewCatalog(convert.CatalogOptions{
		PythonBin: cfg.PythonBin,
		ScriptDir: cfg.EngineScriptDir,
		OutputDir: files.OutputDir(),
	})
}
