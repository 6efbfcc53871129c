// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ファイル制限
	MaxFileSize      int64 // 単一ファイルの最大サイズ（バイト）
	MaxPages         int   // 単一PDFの最大ページ数
	JobExpireMinutes int   // ジョブレコードの有効期限（分）

	// ジョブ/キュー設定
	QueueRedisURL     string        // Asynq用Redis接続URL
	JobResultBaseURL  string        // ダウンロード参照のベースURL（空なら /download）
	WorkerConcurrency int           // ワーカーの同時実行数
	JobMaxRetry       int           // リース切れ時の再配送上限
	JobTimeout        time.Duration // ジョブ単位のタイムアウト（0 でライブラリ既定値）
	EventsChannel     string        // 進捗/結果イベントの Pub/Sub チャンネル

	// ストレージ設定
	UploadDir     string        // アップロードファイルの保存先
	OutputDir     string        // 変換結果の保存先
	FileTTL       time.Duration // 一時ファイルの保持期間
	SweepInterval time.Duration // 定期スイープの間隔

	// 外部エンジン設定
	PythonBin       string // エンジンスクリプトを実行するインタプリタ
	EngineScriptDir string // エンジンスクリプトの配置ディレクトリ

	// ログ設定
	LogLevel  string // debug, info, warn, error
	LogFormat string // console, json
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// ファイル制限
		MaxFileSize:      getEnvAsInt64("MAX_FILE_SIZE", 104857600), // 100MB
		MaxPages:         getEnvAsInt("MAX_PAGES", 200),
		JobExpireMinutes: getEnvAsInt("JOB_EXPIRE_MINUTES", 10),

		// ジョブ/キュー設定
		QueueRedisURL:     getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		JobResultBaseURL:  getEnv("JOB_RESULT_BASE_URL", ""),
		WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 4),
		JobMaxRetry:       getEnvAsInt("JOB_MAX_RETRY", 3),
		JobTimeout:        getEnvAsDuration("JOB_TIMEOUT", 0),
		EventsChannel:     getEnv("EVENTS_CHANNEL", "docflow:events"),

		// ストレージ設定
		UploadDir:     getEnv("UPLOAD_DIR", "uploads"),
		OutputDir:     getEnv("OUTPUT_DIR", "outputs"),
		FileTTL:       getEnvAsDuration("FILE_TTL", 5*time.Minute),
		SweepInterval: getEnvAsDuration("SWEEP_INTERVAL", time.Minute),

		// 外部エンジン設定
		PythonBin:       getEnv("PYTHON_BIN", "python3"),
		EngineScriptDir: getEnv("ENGINE_SCRIPT_DIR", "engines"),

		// ログ設定
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.QueueRedisURL == "" {
		return fmt.Errorf("QUEUE_REDIS_URL is required")
	}
	if c.UploadDir == "" || c.OutputDir == "" {
		return fmt.Errorf("UPLOAD_DIR and OUTPUT_DIR are required")
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive (got %d)", c.WorkerConcurrency)
	}
	if c.JobMaxRetry < 0 {
		return fmt.Errorf("JOB_MAX_RETRY must not be negative (got %d)", c.JobMaxRetry)
	}
	if c.FileTTL <= 0 {
		return fmt.Errorf("FILE_TTL must be positive")
	}
	// スイープ間隔は TTL より十分短くないと削除保証が崩れる
	if c.SweepInterval <= 0 || c.SweepInterval >= c.FileTTL {
		return fmt.Errorf("SWEEP_INTERVAL must be positive and shorter than FILE_TTL (%s >= %s)", c.SweepInterval, c.FileTTL)
	}

	if c.GinMode == "release" {
		if c.PythonBin == "" {
			return fmt.Errorf("PYTHON_BIN is required in release mode")
		}
		if c.EngineScriptDir == "" {
			return fmt.Errorf("ENGINE_SCRIPT_DIR is required in release mode")
		}
	}

	return nil
}

// JobRecordTTL はジョブレコードの保持期間を返します。
func (c *Config) JobRecordTTL() time.Duration {
	if c.JobExpireMinutes <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.JobExpireMinutes) * time.Minute
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は "90s" や "5m" 形式の環境変数を取得します。
// 単位なしの整数は秒として扱います。
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if seconds, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(seconds) * time.Second
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
