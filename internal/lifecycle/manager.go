// Package lifecycle は一時ファイルの削除スケジュールと定期スイープを管理します。
//
// パスの状態は unscheduled -> scheduled -> deleted の順にしか進みません。
// タイマーはプロセス再起動で失われるため、Sweep が TTL を超えたファイルを回収します。
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"

	"github.com/yourusername/docflow/internal/logging"
)

// LockFilename はスイープ排他用のロックファイル名です。スイープ対象から除外されます。
const LockFilename = ".sweep.lock"

// Scheduler は削除予約を受け付けるコンポーネントです。
type Scheduler interface {
	ScheduleDeletion(path string) bool
}

// Options は Manager の設定です。
type Options struct {
	TTL           time.Duration
	SweepInterval time.Duration
	Roots         []string
	Logger        *slog.Logger
}

// Manager は削除予約マップと定期スイープを所有します。
type Manager struct {
	ttl      time.Duration
	interval time.Duration
	roots    []string
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	scheduled map[string]*time.Timer
	stopped   bool
}

// SweepResult はスイープの結果です。
type SweepResult struct {
	Removed      []string
	Skipped      []string // 他プロセスがスイープ中だったルート
	Errors       []CleanupError
	FreedBytes   int64
	ScannedRoots int
}

// CleanupError は削除に失敗したパスとエラーの組です。
type CleanupError struct {
	Path  string
	Error error
}

// NewManager は Manager を作成します。
func NewManager(opts Options) (*Manager, error) {
	if opts.TTL <= 0 {
		return nil, errors.New("ttl must be positive")
	}
	if opts.SweepInterval <= 0 {
		return nil, errors.New("sweep interval must be positive")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	roots := make([]string, 0, len(opts.Roots))
	for _, root := range opts.Roots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("resolve storage root %s: %w", root, err)
		}
		roots = append(roots, abs)
	}
	return &Manager{
		ttl:       opts.TTL,
		interval:  opts.SweepInterval,
		roots:     roots,
		logger:    logger.With(slog.String("component", "lifecycle")),
		now:       time.Now,
		scheduled: make(map[string]*time.Timer),
	}, nil
}

// ScheduleDeletion は TTL 経過後にパスを削除するよう予約します。
// パスが存在しない場合と、既に予約済みの場合は何もせず false を返します。
func (m *Manager) ScheduleDeletion(path string) bool {
	key, err := normalizePath(path)
	if err != nil {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return false
	}
	if _, ok := m.scheduled[key]; ok {
		return false
	}
	if _, err := os.Lstat(key); err != nil {
		return false
	}

	m.scheduled[key] = time.AfterFunc(m.ttl, func() {
		m.fire(key)
	})
	m.logger.Debug("scheduled deletion",
		slog.String("path", key),
		slog.Time("due_at", m.now().Add(m.ttl)),
	)
	return true
}

// IsScheduled は予約済みかを返します。
func (m *Manager) IsScheduled(path string) bool {
	key, err := normalizePath(path)
	if err != nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.scheduled[key]
	return ok
}

// Pending は未発火の予約数を返します。
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.scheduled)
}

func (m *Manager) fire(key string) {
	// 削除の成否に関わらずマップからは外す。失敗分はスイープが拾う
	m.mu.Lock()
	delete(m.scheduled, key)
	m.mu.Unlock()

	if err := removePath(key); err != nil {
		m.logger.Warn("scheduled deletion failed",
			slog.String("path", key),
			logging.Error(err),
		)
		return
	}
	m.logger.Info("deleted expired file", slog.String("path", key))
}

// Run は SweepInterval ごとにスイープを実行します。ctx が終わるまで戻りません。
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep は各ストレージ領域を走査し、TTL を超えていて予約されていないエントリを即時削除します。
func (m *Manager) Sweep(ctx context.Context) SweepResult {
	result := SweepResult{}
	cutoff := m.now().Add(-m.ttl)

	for _, root := range m.roots {
		if ctx.Err() != nil {
			return result
		}
		lock := flock.New(filepath.Join(root, LockFilename))
		locked, err := lock.TryLock()
		if err != nil {
			result.Errors = append(result.Errors, CleanupError{Path: root, Error: err})
			continue
		}
		if !locked {
			result.Skipped = append(result.Skipped, root)
			continue
		}
		m.sweepRoot(root, cutoff, &result)
		result.ScannedRoots++
		_ = lock.Unlock()
	}

	if len(result.Removed) > 0 {
		m.logger.Info("sweep purged stale files",
			slog.Int("count", len(result.Removed)),
			slog.String("freed", humanize.Bytes(uint64(result.FreedBytes))),
		)
	}
	return result
}

func (m *Manager) sweepRoot(root string, cutoff time.Time, result *SweepResult) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			result.Errors = append(result.Errors, CleanupError{Path: root, Error: err})
		}
		return
	}

	for _, entry := range entries {
		if entry.Name() == LockFilename {
			continue
		}
		path := filepath.Join(root, entry.Name())
		if m.IsScheduled(path) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				result.Errors = append(result.Errors, CleanupError{Path: path, Error: err})
			}
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		size := entrySize(path, info)
		if err := removePath(path); err != nil {
			result.Errors = append(result.Errors, CleanupError{Path: path, Error: err})
			m.logger.Warn("failed to remove stale file",
				slog.String("path", path),
				logging.Error(err),
			)
			continue
		}
		result.Removed = append(result.Removed, path)
		result.FreedBytes += size
		m.logger.Info("removed stale file",
			slog.String("path", path),
			slog.Duration("age", m.now().Sub(info.ModTime())),
		)
	}
}

// Stop は未発火のタイマーを止めます。以降の予約は受け付けません。
// 止めたファイルは次回起動時のスイープで削除されます。
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	for key, timer := range m.scheduled {
		timer.Stop()
		delete(m.scheduled, key)
	}
}

// removePath は存在しないパスの削除を成功として扱います。
func removePath(path string) error {
	err := os.RemoveAll(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func normalizePath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("empty path")
	}
	return filepath.Abs(path)
}

func entrySize(path string, info os.FileInfo) int64 {
	if !info.IsDir() {
		return info.Size()
	}
	var size int64
	_ = filepath.Walk(path, func(_ string, fi os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !fi.IsDir() {
			size += fi.Size()
		}
		return nil
	})
	return size
}
