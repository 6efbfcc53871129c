package convert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/yourusername/docflow/internal/jobs"
	"github.com/yourusername/docflow/internal/lifecycle"
	"github.com/yourusername/docflow/internal/logging"
	"github.com/yourusername/docflow/internal/storage"
)

const mimePDF = "application/pdf"

// GatewayOptions は Gateway の依存です。
type GatewayOptions struct {
	Catalog   *Catalog
	Queue     jobs.Enqueuer
	Files     *storage.Local
	Scheduler lifecycle.Scheduler
	// MaxPages が正の値なら PDF のページ数を上限で検査します。
	MaxPages int
	Logger   *slog.Logger
}

// Gateway は変換受付、エディタ用アップロード、成果物ダウンロードを扱います。
type Gateway struct {
	catalog   *Catalog
	queue     jobs.Enqueuer
	files     *storage.Local
	scheduler lifecycle.Scheduler
	maxPages  int
	pageCount func(path string) (int, error)
	logger    *slog.Logger
}

// NewGateway は Gateway を作成します。
func NewGateway(opts GatewayOptions) (*Gateway, error) {
	switch {
	case opts.Catalog == nil:
		return nil, errors.New("catalog is nil")
	case opts.Queue == nil:
		return nil, errors.New("queue is nil")
	case opts.Files == nil:
		return nil, errors.New("files is nil")
	case opts.Scheduler == nil:
		return nil, errors.New("scheduler is nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Gateway{
		catalog:   opts.Catalog,
		queue:     opts.Queue,
		files:     opts.Files,
		scheduler: opts.Scheduler,
		maxPages:  opts.MaxPages,
		pageCount: pdfapi.PageCountFile,
		logger:    logger.With(slog.String("component", "gateway")),
	}, nil
}

// Register はルートを登録します。
func (g *Gateway) Register(router gin.IRouter) {
	router.POST("/api/convert/:type", g.ConvertHandler())
	router.POST("/api/editor/upload", g.EditorUploadHandler())
	router.GET("/download/:name", g.DownloadHandler())
}

// ConvertHandler は POST /api/convert/:type のハンドラーを返します。
// 検証に失敗した場合は保存済みのアップロードを即座に消し、ジョブは作りません。
// 投入に成功したアップロードは投入直後に削除予約されます。
func (g *Gateway) ConvertHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		jobType := jobs.JobType(c.Param("type"))
		tmpl, ok := g.catalog.Lookup(jobType)
		if !ok {
			respondWithError(c, jobs.NewUnknownTypeError(jobType))
			return
		}

		form, err := c.MultipartForm()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    jobs.CodeInvalidInput,
				"message": "multipart/form-data でファイルを送信してください。",
			})
			return
		}
		defer form.RemoveAll()

		headers := collectFiles(form)
		if len(headers) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    jobs.CodeInvalidInput,
				"message": "アップロードされたファイルが見つかりません。",
			})
			return
		}

		stored, err := g.storeAll(c.Request.Context(), headers)
		if err != nil {
			respondWithError(c, err)
			return
		}

		payload, err := g.buildPayload(c, tmpl, stored)
		if err == nil {
			payload, err = g.catalog.Normalize(jobType, payload)
		}
		if err != nil {
			removeStored(stored)
			respondWithError(c, err)
			return
		}

		jobID, err := g.queue.Enqueue(c.Request.Context(), jobType, payload)
		if err != nil {
			removeStored(stored)
			g.logger.Error("failed to enqueue job", slog.String("type", string(jobType)), logging.Error(err))
			respondWithError(c, err)
			return
		}

		for _, file := range stored {
			g.scheduler.ScheduleDeletion(file.Path)
		}
		c.JSON(http.StatusAccepted, gin.H{"jobId": jobID})
	}
}

// EditorUploadHandler は POST /api/editor/upload のハンドラーを返します。
// 保存したファイルはその場で削除予約されます。
func (g *Gateway) EditorUploadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		form, err := c.MultipartForm()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    jobs.CodeInvalidInput,
				"message": "multipart/form-data でファイルを送信してください。",
			})
			return
		}
		defer form.RemoveAll()

		headers := collectFiles(form)
		if len(headers) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    jobs.CodeInvalidInput,
				"message": "アップロードされたファイルが見つかりません。",
			})
			return
		}

		stored, err := g.storeAll(c.Request.Context(), headers[:1])
		if err != nil {
			respondWithError(c, err)
			return
		}
		file := stored[0]
		g.scheduler.ScheduleDeletion(file.Path)

		mimeType := "application/octet-stream"
		if mtype, err := mimetype.DetectFile(file.Path); err == nil {
			mimeType = mtype.String()
		}
		c.JSON(http.StatusOK, gin.H{
			"fileRef":  filepath.Base(file.Path),
			"name":     file.OriginalName,
			"size":     file.Size,
			"mimeType": mimeType,
		})
	}
}

// DownloadHandler は GET /download/:name のハンドラーを返します。
// 成果物が削除済みなら 404 EXPIRED を返します。
func (g *Gateway) DownloadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		file, info, err := g.files.OpenOutput(name)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				c.JSON(http.StatusNotFound, gin.H{
					"code":    "EXPIRED",
					"message": "ファイルの保持期間が過ぎたか、存在しません。",
				})
				return
			}
			g.logger.Error("failed to open artifact", slog.String("name", name), logging.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    jobs.CodeInternal,
				"message": "成果物の取得に失敗しました。",
			})
			return
		}
		defer file.Close()

		contentType := "application/octet-stream"
		if mtype, err := mimetype.DetectReader(file); err == nil {
			contentType = mtype.String()
		}
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    jobs.CodeInternal,
				"message": "成果物の取得に失敗しました。",
			})
			return
		}

		encodedName := url.PathEscape(info.Name())
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", info.Name(), encodedName))
		c.Header("Cache-Control", "no-store")
		c.DataFromReader(http.StatusOK, info.Size(), contentType, file, nil)
	}
}

func (g *Gateway) storeAll(ctx context.Context, headers []*multipart.FileHeader) ([]storage.StoredFile, error) {
	stored := make([]storage.StoredFile, 0, len(headers))
	for _, header := range headers {
		file, err := g.files.SaveUpload(ctx, header)
		if err != nil {
			removeStored(stored)
			if errors.Is(err, storage.ErrTooLarge) {
				return nil, jobs.NewLimitError("%s exceeds the file size limit", header.Filename)
			}
			return nil, fmt.Errorf("store upload %s: %w", header.Filename, err)
		}
		stored = append(stored, file)
	}
	return stored, nil
}

func (g *Gateway) buildPayload(c *gin.Context, tmpl Template, stored []storage.StoredFile) (jobs.Payload, error) {
	if tmpl.MinInputs <= 1 && len(stored) > 1 {
		return jobs.Payload{}, jobs.NewValidationError("%s accepts a single file", tmpl.Type)
	}
	for _, file := range stored {
		if err := g.inspect(tmpl, file); err != nil {
			return jobs.Payload{}, err
		}
	}

	payload := jobs.Payload{
		CorrelationToken: c.PostForm("socketId"),
		Options:          make(map[string]string, len(tmpl.Options)),
	}
	for _, key := range tmpl.Options {
		if v, ok := c.GetPostForm(key); ok {
			payload.Options[key] = v
		}
	}
	if tmpl.MinInputs > 1 {
		for _, file := range stored {
			payload.InputPaths = append(payload.InputPaths, file.Path)
		}
	} else {
		payload.InputPath = stored[0].Path
	}
	return payload, nil
}

// inspect は PDF 限定の種別で中身を確認し、ページ数の上限を検査します。
func (g *Gateway) inspect(tmpl Template, file storage.StoredFile) error {
	mtype, err := mimetype.DetectFile(file.Path)
	if err != nil {
		return fmt.Errorf("detect mime type: %w", err)
	}
	isPDF := mtype.Is(mimePDF)
	if tmpl.PDFOnly && !isPDF {
		return jobs.NewValidationError("%s is not a PDF file (%s)", file.OriginalName, mtype.String())
	}
	if !isPDF || g.maxPages <= 0 {
		return nil
	}
	pages, err := g.pageCount(file.Path)
	if err != nil {
		// 暗号化 PDF などは数えられないのでエンジン側の判断に任せる
		g.logger.Debug("page count unavailable", slog.String("name", file.OriginalName), logging.Error(err))
		return nil
	}
	if pages > g.maxPages {
		return jobs.NewLimitError("%s has %d pages (limit %d)", file.OriginalName, pages, g.maxPages)
	}
	return nil
}

func collectFiles(form *multipart.Form) []*multipart.FileHeader {
	if form == nil {
		return nil
	}
	var headers []*multipart.FileHeader
	for _, key := range []string{"files[]", "files", "file"} {
		headers = append(headers, form.File[key]...)
	}
	return headers
}

func removeStored(files []storage.StoredFile) {
	for _, file := range files {
		_ = os.Remove(file.Path)
	}
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *jobs.Error
	switch {
	case errors.As(err, &apiErr) && apiErr.Kind == jobs.KindValidation:
		status := http.StatusBadRequest
		if apiErr.Code == jobs.CodeLimitExceeded {
			status = http.StatusRequestEntityTooLarge
		}
		c.JSON(status, gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    jobs.CodeInternal,
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}
