package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	stderrHeadBytes   = 4 << 10
	stderrTailBytes   = 4 << 10
	maxDiagnosticLen  = 1000
	maxScanTokenBytes = 1 << 20
	resultFilePrefix  = "RESULT_FILE:"
)

var (
	// "complete (12.34s)" や "(4.56s, 3 pages)" の秒数を拾う
	durationPattern   = regexp.MustCompile(`([0-9]+(?:\.[0-9]+)?)s[,)]`)
	resultFilePattern = regexp.MustCompile(`RESULT_FILE:(\S+)`)
)

// ProgressFunc は標準出力の1行ごとに呼ばれます。
type ProgressFunc func(line string)

// Executor は外部プロセスを実行します。
type Executor interface {
	Execute(ctx context.Context, inv Invocation, progress ProgressFunc) Outcome
}

// ProcessExecutor は os/exec による Executor 実装です。状態を持たないため再実行しても安全です。
type ProcessExecutor struct{}

// NewProcessExecutor は ProcessExecutor を返します。
func NewProcessExecutor() *ProcessExecutor {
	return &ProcessExecutor{}
}

// Execute はプロセスを起動し、標準出力を逐次 progress へ流し、終了後に結果を分類します。
func (e *ProcessExecutor) Execute(ctx context.Context, inv Invocation, progress ProgressFunc) Outcome {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(inv.Command) == "" {
		return Outcome{Kind: KindSpawnFault, Reason: "engine command is empty"}
	}

	cmd := exec.CommandContext(ctx, inv.Command, inv.Args...) //nolint:gosec
	cmd.Dir = inv.Dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Outcome{Kind: KindSpawnFault, Reason: fmt.Sprintf("stdout pipe: %v", err)}
	}
	stderr := newHeadTailBuffer(stderrHeadBytes, stderrTailBytes)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return Outcome{Kind: KindSpawnFault, Reason: spawnReason(inv.Command, err)}
	}

	// Wait より前に標準出力を読み切る必要がある
	var full strings.Builder
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64<<10), maxScanTokenBytes)
	for scanner.Scan() {
		raw := scanner.Text()
		full.WriteString(raw)
		full.WriteByte('\n')

		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, resultFilePrefix) {
			continue
		}
		if progress != nil {
			progress(line)
		}
	}
	// 長すぎる行で Scanner が止まってもプロセスを詰まらせない
	_, _ = io.Copy(io.Discard, stdout)

	waitErr := cmd.Wait()
	out := Outcome{
		Stdout: full.String(),
		Stderr: stderr.String(),
	}

	if waitErr != nil {
		out.Kind = KindFailure
		out.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
		}
		out.Diagnostic = composeDiagnostic(out.Stderr, out.Stdout, waitErr, ctx.Err())
		return out
	}

	out.Kind = KindSuccess
	out.Artifact = inv.Artifact
	out.Duration = ExtractDuration(out.Stdout)
	out.ResultFile = ExtractResultFile(out.Stdout)
	return out
}

// ExtractDuration は出力中で最後に現れた所要時間トークンを返します。見つからなければ nil です。
func ExtractDuration(output string) *time.Duration {
	matches := durationPattern.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return nil
	}
	seconds, err := strconv.ParseFloat(matches[len(matches)-1][1], 64)
	if err != nil {
		return nil
	}
	d := time.Duration(seconds * float64(time.Second))
	return &d
}

// ExtractResultFile は RESULT_FILE:<name> トークンの値を返します。
func ExtractResultFile(output string) string {
	matches := resultFilePattern.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return ""
	}
	return matches[len(matches)-1][1]
}

func spawnReason(command string, err error) string {
	switch {
	case errors.Is(err, exec.ErrNotFound):
		return fmt.Sprintf("engine binary not found: %s", command)
	case errors.Is(err, exec.ErrDot):
		return fmt.Sprintf("engine binary resolved from current directory: %s", command)
	default:
		return fmt.Sprintf("failed to launch %s: %v", command, err)
	}
}

func composeDiagnostic(stderr, stdout string, waitErr, ctxErr error) string {
	detail := strings.TrimSpace(stderr)
	if detail == "" {
		detail = lastLines(stdout, 3)
	}
	if detail == "" {
		detail = waitErr.Error()
	}
	if ctxErr != nil {
		detail = fmt.Sprintf("%s (%v)", detail, ctxErr)
	}
	return truncate(detail, maxDiagnosticLen)
}

func lastLines(text string, n int) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
