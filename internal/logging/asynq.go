package logging

import (
	"fmt"
	"log/slog"
	"os"
)

// AsynqLogger は asynq.Logger を slog 上に実装します。
type AsynqLogger struct {
	logger *slog.Logger
}

// NewAsynqLogger は component=asynq を付けたアダプタを返します。
func NewAsynqLogger(logger *slog.Logger) *AsynqLogger {
	if logger == nil {
		logger = NewNop()
	}
	return &AsynqLogger{logger: logger.With(slog.String("component", "asynq"))}
}

func (l *AsynqLogger) Debug(args ...interface{}) { l.logger.Debug(fmt.Sprint(args...)) }
func (l *AsynqLogger) Info(args ...interface{})  { l.logger.Info(fmt.Sprint(args...)) }
func (l *AsynqLogger) Warn(args ...interface{})  { l.logger.Warn(fmt.Sprint(args...)) }
func (l *AsynqLogger) Error(args ...interface{}) { l.logger.Error(fmt.Sprint(args...)) }

// Fatal は asynq の契約どおりプロセスを終了します。
func (l *AsynqLogger) Fatal(args ...interface{}) {
	l.logger.Error(fmt.Sprint(args...))
	os.Exit(1)
}
