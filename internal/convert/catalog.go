// Package convert はジョブ種別ごとのエンジン起動テンプレートと、変換受付の HTTP ハンドラーを提供します。
//
// エンジン引数の並びは各スクリプトの位置引数と1対1に対応しているため、順序を変えてはいけません。
package convert

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/docflow/internal/jobs"
)

// オプションのキー（フォームのフィールド名と同じ）
const (
	OptGrayscale = "grayscale"
	OptDPI       = "dpi"
	OptLevel     = "level"
	OptExt       = "ext"
	OptSecretKey = "secretKey"
	OptTool      = "tool"
	OptPassword  = "password"
	OptName      = "name"
	OptPageRange = "pageRange"
	OptX         = "x"
	OptY         = "y"
	OptFontSize  = "fontSize"
	OptTextColor = "textColor"
	OptFontStyle = "fontStyle"
	OptOpacity   = "opacity"
)

const (
	levelRecommended = "recommended"
	levelExtreme     = "extreme"
)

// argsFunc は入力パス、出力パス、正規化済みオプションからスクリプト引数を組み立てます。
type argsFunc func(inputs []string, output string, opts map[string]string) []string

// Template はジョブ種別1つ分の定義です。
type Template struct {
	Type   jobs.JobType
	Script string
	// Prefix と Ext から成果物名を作ります。
	Prefix string
	Ext    string
	// ExtOption が空でなければ拡張子をそのオプション値から取ります。
	ExtOption string
	// ResultFile の種別はエンジンが作業ディレクトリ内の成果物名を RESULT_FILE で報告します。
	ResultFile bool
	MinInputs int
	// PDFOnly の種別はゲートウェイで PDF 以外を拒否します。
	PDFOnly bool
	// Options はこの種別が受け付けるオプションのキーです。
	Options []string

	args     argsFunc
	defaults func(p *jobs.Payload) error
}

// CatalogOptions は Catalog の設定です。
type CatalogOptions struct {
	PythonBin string
	ScriptDir string
	OutputDir string
}

// Catalog はジョブ種別から起動内容を解決します。jobs.Planner を実装します。
type Catalog struct {
	pythonBin string
	scriptDir string
	outputDir string
	templates map[jobs.JobType]Template
	now       func() time.Time
	suffix    func() string
}

// NewCatalog は全種別を登録した Catalog を作成します。
func NewCatalog(opts CatalogOptions) *Catalog {
	pythonBin := opts.PythonBin
	if pythonBin == "" {
		pythonBin = "python3"
	}
	c := &Catalog{
		pythonBin: pythonBin,
		scriptDir: opts.ScriptDir,
		outputDir: opts.OutputDir,
		templates: make(map[jobs.JobType]Template),
		now:       time.Now,
		suffix: func() string {
			return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		},
	}
	for _, tmpl := range builtinTemplates() {
		c.templates[tmpl.Type] = tmpl
	}
	return c
}

// Lookup は種別のテンプレートを返します。
func (c *Catalog) Lookup(t jobs.JobType) (Template, bool) {
	tmpl, ok := c.templates[t]
	return tmpl, ok
}

// Types は登録済みの種別を名前順で返します。
func (c *Catalog) Types() []jobs.JobType {
	types := make([]jobs.JobType, 0, len(c.templates))
	for t := range c.templates {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Normalize は必須項目を検証し、既定値を補ったペイロードを返します。
// 受付時に同期的に呼ばれ、エラーは jobs.Error（ValidationError）です。
func (c *Catalog) Normalize(t jobs.JobType, payload jobs.Payload) (jobs.Payload, error) {
	tmpl, ok := c.templates[t]
	if !ok {
		return jobs.Payload{}, jobs.NewUnknownTypeError(t)
	}

	normalized := jobs.Payload{
		CorrelationToken: strings.TrimSpace(payload.CorrelationToken),
		InputPath:        payload.InputPath,
		InputPaths:       append([]string(nil), payload.InputPaths...),
		Options:          make(map[string]string, len(tmpl.Options)),
	}
	for _, key := range tmpl.Options {
		if v := strings.TrimSpace(payload.Option(key)); v != "" {
			normalized.Options[key] = v
		}
	}

	if normalized.CorrelationToken == "" {
		return jobs.Payload{}, jobs.NewValidationError("correlation token (socketId) is required")
	}
	if tmpl.MinInputs > 1 {
		if len(normalized.InputPaths) < tmpl.MinInputs {
			return jobs.Payload{}, jobs.NewValidationError("%s requires at least %d files", t, tmpl.MinInputs)
		}
		normalized.InputPath = ""
	} else {
		if normalized.InputPath == "" && len(normalized.InputPaths) > 0 {
			normalized.InputPath = normalized.InputPaths[0]
		}
		normalized.InputPaths = nil
		if normalized.InputPath == "" {
			return jobs.Payload{}, jobs.NewValidationError("%s requires an input file", t)
		}
	}

	if tmpl.defaults != nil {
		if err := tmpl.defaults(&normalized); err != nil {
			return jobs.Payload{}, err
		}
	}
	return normalized, nil
}

// OutputName は成果物のファイル名を作ります。<prefix>_<unixミリ秒>_<ランダム8桁>.<ext>
func (c *Catalog) OutputName(t jobs.JobType, payload jobs.Payload) string {
	tmpl := c.templates[t]
	ext := tmpl.Ext
	if tmpl.ExtOption != "" {
		ext = payload.Option(tmpl.ExtOption)
	}
	return fmt.Sprintf("%s_%d_%s.%s", tmpl.Prefix, c.now().UnixMilli(), c.suffix(), ext)
}

// Plan は jobs.Planner の実装です。ワーカー側でも必須項目を検証し直します。
func (c *Catalog) Plan(job jobs.Job) (jobs.Plan, error) {
	payload, err := c.Normalize(job.Type, job.Payload)
	if err != nil {
		return jobs.Plan{}, err
	}
	tmpl := c.templates[job.Type]

	name := c.OutputName(job.Type, payload)
	plan := jobs.Plan{OutputDir: c.outputDir}
	var output string
	if tmpl.ResultFile {
		// 成果物名をエンジンが決める種別は、ジョブ専用ディレクトリに書かせてから移す
		if job.ID == "" || filepath.Base(job.ID) != job.ID || job.ID == "." || job.ID == ".." {
			return jobs.Plan{}, jobs.NewValidationError("invalid job id %q", job.ID)
		}
		plan.WorkDir = filepath.Join(c.outputDir, job.ID)
		plan.ArtifactName = name
		output = plan.WorkDir
	} else {
		output = filepath.Join(c.outputDir, name)
		plan.Invocation.Artifact = output
	}

	plan.Invocation.Command = c.pythonBin
	plan.Invocation.Args = append([]string{filepath.Join(c.scriptDir, tmpl.Script)}, tmpl.args(payload.Inputs(), output, payload.Options)...)
	return plan, nil
}

func inOut(inputs []string, output string, _ map[string]string) []string {
	return []string{inputs[0], output}
}

func withOptions(keys ...string) argsFunc {
	return func(inputs []string, output string, opts map[string]string) []string {
		args := []string{inputs[0], output}
		for _, key := range keys {
			args = append(args, opts[key])
		}
		return args
	}
}

func builtinTemplates() []Template {
	return []Template{
		{Type: jobs.TypeWordToPDF, Script: "word_to_pdf.py", Prefix: "converted", Ext: "pdf", MinInputs: 1, args: inOut},
		{Type: jobs.TypePPTToPDF, Script: "ppt_to_pdf.py", Prefix: "presentation", Ext: "pdf", MinInputs: 1, args: inOut},
		{Type: jobs.TypeExcelToPDF, Script: "excel_to_pdf.py", Prefix: "spreadsheet", Ext: "pdf", MinInputs: 1, args: inOut},
		{
			Type: jobs.TypePDFToDoc, Script: "convert.py", Prefix: "converted", Ext: "docx", MinInputs: 1,
			Options: []string{OptTool, OptSecretKey},
			args: func(inputs []string, output string, opts map[string]string) []string {
				return []string{inputs[0], opts[OptTool], output, opts[OptSecretKey]}
			},
			defaults: func(p *jobs.Payload) error {
				if p.Options[OptSecretKey] == "" {
					return jobs.NewValidationError("pdf-to-doc requires secretKey")
				}
				setDefault(p, OptTool, "pdf2doc")
				return nil
			},
		},
		{Type: jobs.TypeImageToPDF, Script: "image_to_pdf.py", Prefix: "image", Ext: "pdf", MinInputs: 1, args: inOut},
		{Type: jobs.TypeOCRExtract, Script: "ocr_engine.py", Prefix: "ocr", Ext: "txt", MinInputs: 1, args: inOut},
		{
			Type: jobs.TypeCompressPDF, Script: "compressor.py", Prefix: "compressed", Ext: "pdf", MinInputs: 1, PDFOnly: true,
			Options: []string{OptGrayscale, OptDPI},
			args: func(inputs []string, output string, opts map[string]string) []string {
				// 第4引数はメタデータ除去で、常に有効
				return []string{inputs[0], output, opts[OptGrayscale], "true", opts[OptDPI]}
			},
			defaults: func(p *jobs.Payload) error {
				setDefault(p, OptGrayscale, "false")
				setDefault(p, OptDPI, "150")
				if err := requireBool(p, OptGrayscale); err != nil {
					return err
				}
				return requireInt(p, OptDPI, 36, 1200)
			},
		},
		{
			Type: jobs.TypeCompressDocx, Script: "compress_docx.py", Prefix: "compressed", Ext: "docx", MinInputs: 1,
			Options: []string{OptLevel},
			args:    withOptions(OptLevel),
			defaults: func(p *jobs.Payload) error {
				return requireLevel(p)
			},
		},
		{
			Type: jobs.TypeCompressImage, Script: "compress_image.py", Prefix: "compressed", ExtOption: OptExt, MinInputs: 1,
			Options: []string{OptLevel, OptExt},
			args:    withOptions(OptLevel, OptExt),
			defaults: func(p *jobs.Payload) error {
				if err := requireLevel(p); err != nil {
					return err
				}
				ext := strings.ToLower(strings.TrimPrefix(p.Options[OptExt], "."))
				if ext == "" {
					ext = strings.ToLower(strings.TrimPrefix(filepath.Ext(p.InputPath), "."))
				}
				switch ext {
				case "jpg", "jpeg", "png", "webp":
				default:
					return jobs.NewValidationError("unsupported image extension %q", ext)
				}
				p.Options[OptExt] = ext
				return nil
			},
		},
		{
			Type: jobs.TypeSignPDF, Script: "sign_pdf.py", Prefix: "signed", Ext: "pdf", MinInputs: 1, PDFOnly: true,
			Options: []string{OptName, OptPageRange, OptX, OptY, OptFontSize, OptTextColor, OptFontStyle, OptOpacity},
			args:    withOptions(OptName, OptPageRange, OptX, OptY, OptFontSize, OptTextColor, OptFontStyle, OptOpacity),
			defaults: func(p *jobs.Payload) error {
				setDefault(p, OptName, "Signed")
				setDefault(p, OptPageRange, "all")
				setDefault(p, OptX, "50")
				setDefault(p, OptY, "50")
				setDefault(p, OptFontSize, "24")
				setDefault(p, OptTextColor, "#000000")
				setDefault(p, OptFontStyle, "script")
				setDefault(p, OptOpacity, "1")
				for _, key := range []string{OptX, OptY, OptFontSize, OptOpacity} {
					if _, err := strconv.ParseFloat(p.Options[key], 64); err != nil {
						return jobs.NewValidationError("%s must be a number", key)
					}
				}
				return nil
			},
		},
		{
			Type: jobs.TypeMergePDF, Script: "merge_pdf.py", Prefix: "merged", Ext: "pdf", MinInputs: 2, PDFOnly: true,
			args: func(inputs []string, output string, _ map[string]string) []string {
				return append([]string{output}, inputs...)
			},
		},
		{
			Type: jobs.TypeLockPDF, Script: "lock_pdf.py", Prefix: "locked", Ext: "pdf", MinInputs: 1, PDFOnly: true,
			Options: []string{OptPassword},
			args:    withOptions(OptPassword),
			defaults: func(p *jobs.Payload) error {
				return requireNonEmpty(p, OptPassword)
			},
		},
		{
			Type: jobs.TypeUnlockPDF, Script: "unlock_pdf.py", Prefix: "unlocked", Ext: "pdf", MinInputs: 1, PDFOnly: true,
			Options: []string{OptPassword},
			args:    withOptions(OptPassword),
			defaults: func(p *jobs.Payload) error {
				return requireNonEmpty(p, OptPassword)
			},
		},
		{
			Type: jobs.TypePDFToJPG, Script: "pdf_to_jpg.py", Prefix: "images", Ext: "zip", ResultFile: true,
			MinInputs: 1, PDFOnly: true,
			Options: []string{OptDPI},
			args:    withOptions(OptDPI),
			defaults: func(p *jobs.Payload) error {
				setDefault(p, OptDPI, "150")
				return requireInt(p, OptDPI, 36, 600)
			},
		},
	}
}

func setDefault(p *jobs.Payload, key, value string) {
	if p.Options[key] == "" {
		p.Options[key] = value
	}
}

func requireNonEmpty(p *jobs.Payload, key string) error {
	if p.Options[key] == "" {
		return jobs.NewValidationError("%s is required", key)
	}
	return nil
}

func requireBool(p *jobs.Payload, key string) error {
	v, err := strconv.ParseBool(p.Options[key])
	if err != nil {
		return jobs.NewValidationError("%s must be true or false", key)
	}
	p.Options[key] = strconv.FormatBool(v)
	return nil
}

func requireInt(p *jobs.Payload, key string, lo, hi int) error {
	v, err := strconv.Atoi(p.Options[key])
	if err != nil {
		return jobs.NewValidationError("%s must be an integer", key)
	}
	if v < lo || v > hi {
		return jobs.NewValidationError("%s must be between %d and %d", key, lo, hi)
	}
	return nil
}

func requireLevel(p *jobs.Payload) error {
	setDefault(p, OptLevel, levelRecommended)
	switch p.Options[OptLevel] {
	case levelRecommended, levelExtreme:
		return nil
	default:
		return jobs.NewValidationError("level must be %q or %q", levelRecommended, levelExtreme)
	}
}
