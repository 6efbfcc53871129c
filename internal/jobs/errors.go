package jobs

import (
	"errors"
	"fmt"
)

// ErrorKind はパイプラインのエラー分類です。
type ErrorKind string

const (
	KindValidation      ErrorKind = "ValidationError"
	KindSpawn           ErrorKind = "SpawnError"
	KindEngineFailure   ErrorKind = "EngineFailure"
	KindLeaseExpired    ErrorKind = "LeaseExpired"
	KindArtifactMissing ErrorKind = "ArtifactMissing"
	KindInternal        ErrorKind = "Internal"
)

// クライアントへ返すエラーコード
const (
	CodeInvalidInput   = "INVALID_INPUT"
	CodeLimitExceeded  = "LIMIT_EXCEEDED"
	CodeSpawnError     = "SPAWN_ERROR"
	CodeEngineFailure  = "ENGINE_FAILURE"
	CodeUnknownJobType = "UNKNOWN_JOB_TYPE"
	CodeInternal       = "INTERNAL_ERROR"
)

// Error はコード付きのエラーです。HTTP 境界と失敗イベントの両方で使われます。
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewValidationError は投入前に検出した入力エラーを作成します。
func NewValidationError(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: CodeInvalidInput, Message: fmt.Sprintf(format, args...)}
}

// NewLimitError は上限超過エラーを作成します。
func NewLimitError(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: CodeLimitExceeded, Message: fmt.Sprintf(format, args...)}
}

// NewUnknownTypeError は未知のジョブ種別エラーを作成します。
func NewUnknownTypeError(t JobType) *Error {
	return &Error{Kind: KindValidation, Code: CodeUnknownJobType, Message: fmt.Sprintf("unknown job type: %q", t)}
}

// IsValidation は投入前に弾くべきエラーかを返します。
func IsValidation(err error) bool {
	var jobErr *Error
	return errors.As(err, &jobErr) && jobErr.Kind == KindValidation
}

// AsError は err を *Error に変換します。分類不能なものは INTERNAL_ERROR になります。
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var jobErr *Error
	if errors.As(err, &jobErr) {
		return jobErr
	}
	return &Error{Kind: KindInternal, Code: CodeInternal, Message: err.Error(), Err: err}
}
