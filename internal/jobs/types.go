package jobs

import (
	"strings"
	"time"
)

// JobType は変換ジョブの種別です。種別ごとにエンジン起動テンプレートが1つ対応します。
type JobType string

const (
	TypeWordToPDF     JobType = "word-to-pdf"
	TypePPTToPDF      JobType = "ppt-to-pdf"
	TypeExcelToPDF    JobType = "excel-to-pdf"
	TypePDFToDoc      JobType = "pdf-to-doc"
	TypeImageToPDF    JobType = "image-to-pdf"
	TypeOCRExtract    JobType = "ocr-extract"
	TypeCompressPDF   JobType = "compress-pdf"
	TypeCompressDocx  JobType = "compress-docx"
	TypeCompressImage JobType = "compress-image"
	TypeSignPDF       JobType = "sign-pdf"
	TypeMergePDF      JobType = "merge-pdf"
	TypeLockPDF       JobType = "lock-pdf"
	TypeUnlockPDF     JobType = "unlock-pdf"
	TypePDFToJPG      JobType = "pdf-to-jpg"
)

const taskTypePrefix = "convert:"

// TaskType は asynq のタスク名を返します。
func (t JobType) TaskType() string {
	return taskTypePrefix + string(t)
}

// typeFromTask はタスク名からジョブ種別を取り出します。
func typeFromTask(taskType string) JobType {
	return JobType(strings.TrimPrefix(taskType, taskTypePrefix))
}

// Payload はジョブの入力です。投入後は変更されません。
type Payload struct {
	CorrelationToken string            `json:"correlationToken"`
	InputPath        string            `json:"inputPath,omitempty"`
	InputPaths       []string          `json:"inputPaths,omitempty"`
	Options          map[string]string `json:"options,omitempty"`
}

// Inputs はジョブが参照する入力ファイルを返します。
func (p Payload) Inputs() []string {
	paths := make([]string, 0, len(p.InputPaths)+1)
	if p.InputPath != "" {
		paths = append(paths, p.InputPath)
	}
	for _, path := range p.InputPaths {
		if path != "" && path != p.InputPath {
			paths = append(paths, path)
		}
	}
	return paths
}

// Option はオプション値を取り出します。
func (p Payload) Option(key string) string {
	if p.Options == nil {
		return ""
	}
	return p.Options[key]
}

// Job は投入済みの変換ジョブです。
type Job struct {
	ID        string    `json:"jobId"`
	Type      JobType   `json:"type"`
	Payload   Payload   `json:"payload"`
	CreatedAt time.Time `json:"createdAt"`
}

// ResultStatus は終端結果の状態です。
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailure ResultStatus = "failure"
)

// Result はジョブごとにちょうど1回だけ発行される終端結果です。
type Result struct {
	CorrelationToken string       `json:"correlationToken"`
	JobID            string       `json:"jobId"`
	Status           ResultStatus `json:"status"`
	DownloadRef      string       `json:"downloadRef,omitempty"`
	Duration         *float64     `json:"duration,omitempty"` // 秒
	FileSize         *int64       `json:"fileSize,omitempty"`
	ErrorCode        string       `json:"errorCode,omitempty"`
	ErrorDetail      string       `json:"errorDetail,omitempty"`
}

// ProgressEvent はエンジン出力1行分の進捗です。
type ProgressEvent struct {
	CorrelationToken string `json:"correlationToken"`
	JobID            string `json:"jobId"`
	Message          string `json:"message"`
}

// EventKind はイベントチャンネルに流れるメッセージの種類です。
type EventKind string

const (
	EventProgress EventKind = "progress"
	EventResult   EventKind = "result"
)

// Event はイベントチャンネル上の封筒です。Progress と Result のどちらか一方が入ります。
type Event struct {
	Kind     EventKind      `json:"kind"`
	Token    string         `json:"correlationToken"`
	JobID    string         `json:"jobId"`
	Seq      int64          `json:"seq"`
	Progress *ProgressEvent `json:"progress,omitempty"`
	Result   *Result        `json:"result,omitempty"`
}

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "done"
	StatusFailed    Status = "error"
)

// ProgressInfo は直近の進捗を表します。
type ProgressInfo struct {
	Lines   int    `json:"lines"`
	Message string `json:"message,omitempty"`
}

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Record はジョブの現在状態を表します。
type Record struct {
	JobID       string       `json:"jobId"`
	Type        JobType      `json:"type"`
	Status      Status       `json:"status"`
	Progress    ProgressInfo `json:"progress"`
	Attempts    int          `json:"attempts"`
	DownloadRef string       `json:"downloadRef,omitempty"`
	Result      *Result      `json:"result,omitempty"`
	Error       *ErrorInfo   `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
	ExpiresAt   time.Time    `json:"expiresAt"`
}
