// Package storage はアップロード領域と成果物領域のローカルファイル操作を提供します。
//
// 保存先:
//   - アップロード: <UPLOAD_DIR>/<uuid><ext>
//   - 成果物:       <OUTPUT_DIR>/<prefix>_<ts>_<suffix>.<ext>
//
// どちらの領域も lifecycle.Manager の削除対象です。
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrTooLarge はファイルサイズ上限超過を表します。
var ErrTooLarge = errors.New("file exceeds size limit")

// StoredFile は保存済みアップロードの情報です。
type StoredFile struct {
	Path         string
	OriginalName string
	Size         int64
}

// Local はローカルディスク上の2つの領域を扱います。
type Local struct {
	uploadDir   string
	outputDir   string
	maxFileSize int64
}

// NewLocal は Local を作成し、ディレクトリを用意します。
func NewLocal(uploadDir, outputDir string, maxFileSize int64) (*Local, error) {
	l := &Local{}
	for _, pair := range []struct {
		dst *string
		dir string
	}{{&l.uploadDir, uploadDir}, {&l.outputDir, outputDir}} {
		abs, err := filepath.Abs(pair.dir)
		if err != nil {
			return nil, fmt.Errorf("resolve storage dir %s: %w", pair.dir, err)
		}
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir %s: %w", abs, err)
		}
		*pair.dst = abs
	}
	l.maxFileSize = maxFileSize
	return l, nil
}

// UploadDir はアップロード領域の絶対パスです。
func (l *Local) UploadDir() string { return l.uploadDir }

// OutputDir は成果物領域の絶対パスです。
func (l *Local) OutputDir() string { return l.outputDir }

// SaveUpload はマルチパートのファイルをアップロード領域へ保存します。
func (l *Local) SaveUpload(ctx context.Context, file *multipart.FileHeader) (StoredFile, error) {
	if file == nil {
		return StoredFile{}, errors.New("file is nil")
	}
	if l.maxFileSize > 0 && file.Size > l.maxFileSize {
		return StoredFile{}, ErrTooLarge
	}
	if err := ctx.Err(); err != nil {
		return StoredFile{}, err
	}

	src, err := file.Open()
	if err != nil {
		return StoredFile{}, fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	ext := strings.ToLower(filepath.Ext(file.Filename))
	dstPath := filepath.Join(l.uploadDir, uuid.NewString()+ext)
	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o640)
	if err != nil {
		return StoredFile{}, fmt.Errorf("create upload: %w", err)
	}

	var reader io.Reader = src
	if l.maxFileSize > 0 {
		reader = io.LimitReader(src, l.maxFileSize+1)
	}
	written, copyErr := io.Copy(dst, reader)
	closeErr := dst.Close()
	if copyErr == nil && closeErr != nil {
		copyErr = closeErr
	}
	if copyErr == nil && l.maxFileSize > 0 && written > l.maxFileSize {
		copyErr = ErrTooLarge
	}
	if copyErr != nil {
		_ = os.Remove(dstPath)
		if errors.Is(copyErr, ErrTooLarge) {
			return StoredFile{}, ErrTooLarge
		}
		return StoredFile{}, fmt.Errorf("write upload: %w", copyErr)
	}

	return StoredFile{
		Path:         dstPath,
		OriginalName: filepath.Base(file.Filename),
		Size:         written,
	}, nil
}

// OutputPath は成果物ファイル名を成果物領域のパスへ解決します。
func (l *Local) OutputPath(name string) (string, error) {
	clean, err := cleanName(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.outputDir, clean), nil
}

// OpenOutput は成果物を開きます。削除済みの場合は fs.ErrNotExist を返します。
func (l *Local) OpenOutput(name string) (*os.File, os.FileInfo, error) {
	path, err := l.OutputPath(name)
	if err != nil {
		return nil, nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, err
	}
	if info.IsDir() {
		file.Close()
		return nil, nil, fs.ErrNotExist
	}
	return file, info, nil
}

// cleanName はディレクトリ成分や隠しファイルを含む名前を拒否します。
func cleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fs.ErrNotExist
	}
	return name, nil
}
