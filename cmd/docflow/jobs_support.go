package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/docflow/internal/config"
	"github.com/yourusername/docflow/internal/jobs"
)

// jobLookup はステータス系エンドポイントが使うキューの参照口です。
type jobLookup interface {
	GetRecord(ctx context.Context, jobID string) (*jobs.Record, error)
	Stats(ctx context.Context) (jobs.QueueStats, error)
}

func setupRedis(cfg *config.Config) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return redis.NewClient(opt), nil
}

func jobStatusHandler(queue jobLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("id")
		if strings.TrimSpace(jobID) == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    jobs.CodeInvalidInput,
				"message": "jobId を指定してください。",
			})
			return
		}

		record, err := queue.GetRecord(c.Request.Context(), jobID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    jobs.CodeInternal,
				"message": "ジョブ情報の取得に失敗しました。",
			})
			return
		}
		if record == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "JOB_NOT_FOUND",
				"message": "指定されたジョブは存在しません。",
			})
			return
		}

		payload := gin.H{
			"jobId":     record.JobID,
			"type":      record.Type,
			"status":    record.Status,
			"attempts":  record.Attempts,
			"progress":  record.Progress,
			"updatedAt": record.UpdatedAt,
		}
		if record.DownloadRef != "" {
			payload["downloadRef"] = record.DownloadRef
		}
		if record.Result != nil {
			payload["result"] = record.Result
		}
		if record.Error != nil {
			payload["error"] = record.Error
		}

		c.JSON(http.StatusOK, payload)
	}
}

func queueStatsHandler(queue jobLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := queue.Stats(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"code":    jobs.CodeInternal,
				"message": "キューの状態を取得できませんでした。",
			})
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}
