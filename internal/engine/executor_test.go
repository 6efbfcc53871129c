package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func runShell(t *testing.T, script string) (Outcome, []string) {
	t.Helper()
	var lines []string
	out := NewProcessExecutor().Execute(context.Background(), Invocation{
		Command: "sh",
		Args:    []string{"-c", script},
	}, func(line string) {
		lines = append(lines, line)
	})
	return out, lines
}

func TestExecuteStreamsTrimmedNonEmptyLinesInOrder(t *testing.T) {
	out, lines := runShell(t, `echo "Process: one"; echo ""; echo "   Status: two  "; echo "Success: three"`)
	if !out.Succeeded() {
		t.Fatalf("unexpected outcome: %#v", out)
	}
	want := []string{"Process: one", "Status: two", "Success: three"}
	if len(lines) != len(want) {
		t.Fatalf("lines = %#v, want %#v", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("lines[%d] = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestExecuteExtractsDuration(t *testing.T) {
	out, _ := runShell(t, `echo "Status: Text extraction complete (12.50s)"; echo "Conversion Complete!"`)
	if !out.Succeeded() {
		t.Fatalf("unexpected outcome: %#v", out)
	}
	if out.Duration == nil {
		t.Fatal("expected duration to be extracted")
	}
	if *out.Duration != 12500*time.Millisecond {
		t.Fatalf("duration = %s, want 12.5s", *out.Duration)
	}
}

func TestExecuteWithoutDurationTokenLeavesItEmpty(t *testing.T) {
	out, _ := runShell(t, `echo "Success: PDF Merge Complete."`)
	if !out.Succeeded() {
		t.Fatalf("unexpected outcome: %#v", out)
	}
	if out.Duration != nil {
		t.Fatalf("expected no duration, got %s", *out.Duration)
	}
}

func TestExecuteNonZeroExitIsFailureWithStderr(t *testing.T) {
	out, lines := runShell(t, `echo "Process: Initializing Neural Core..."; echo "tesseract not found" >&2; exit 1`)
	if out.Kind != KindFailure {
		t.Fatalf("kind = %s, want failure", out.Kind)
	}
	if out.ExitCode != 1 {
		t.Fatalf("exit code = %d, want 1", out.ExitCode)
	}
	if !strings.Contains(out.Detail(), "tesseract not found") {
		t.Fatalf("diagnostic %q does not contain stderr", out.Detail())
	}
	for _, line := range lines {
		if strings.Contains(line, "tesseract") {
			t.Fatalf("stderr must not be forwarded as progress: %#v", lines)
		}
	}
}

func TestExecuteFailureFallsBackToStdoutTail(t *testing.T) {
	out, _ := runShell(t, `echo "Error: PDF is corrupted."; exit 7`)
	if out.Kind != KindFailure || out.ExitCode != 7 {
		t.Fatalf("unexpected outcome: %#v", out)
	}
	if !strings.Contains(out.Diagnostic, "PDF is corrupted") {
		t.Fatalf("diagnostic = %q", out.Diagnostic)
	}
}

func TestExecuteMissingBinaryIsSpawnFault(t *testing.T) {
	out := NewProcessExecutor().Execute(context.Background(), Invocation{
		Command: "docflow-engine-that-does-not-exist",
	}, func(string) {
		t.Fatal("no progress expected before spawn")
	})
	if out.Kind != KindSpawnFault {
		t.Fatalf("kind = %s, want spawn_fault", out.Kind)
	}
	if !strings.Contains(out.Reason, "not found") {
		t.Fatalf("reason = %q", out.Reason)
	}
}

func TestExecuteReportsResultFileToken(t *testing.T) {
	out, lines := runShell(t, `echo "Success: ZIP archive created."; echo "RESULT_FILE:converted_images_3.zip"`)
	if out.ResultFile != "converted_images_3.zip" {
		t.Fatalf("result file = %q", out.ResultFile)
	}
	for _, line := range lines {
		if strings.HasPrefix(line, "RESULT_FILE:") {
			t.Fatalf("result token leaked into progress: %#v", lines)
		}
	}
}

func TestExecuteIsRepeatable(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "merged.pdf")
	inv := Invocation{
		Command:  "sh",
		Args:     []string{"-c", `printf "a-b" > "$0"`, target},
		Artifact: target,
	}
	exec := NewProcessExecutor()
	first := exec.Execute(context.Background(), inv, nil)
	firstData, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read first artifact: %v", err)
	}
	second := exec.Execute(context.Background(), inv, nil)
	secondData, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read second artifact: %v", err)
	}
	if !first.Succeeded() || !second.Succeeded() {
		t.Fatalf("unexpected outcomes: %#v %#v", first, second)
	}
	if string(firstData) != string(secondData) || second.Artifact != target {
		t.Fatalf("re-run produced different artifact: %q vs %q", firstData, secondData)
	}
}

func TestHeadTailBufferBoundsOutput(t *testing.T) {
	buf := newHeadTailBuffer(4, 4)
	_, _ = buf.Write([]byte("abcdefghijkl"))
	got := buf.String()
	if !strings.HasPrefix(got, "abcd") || !strings.HasSuffix(got, "ijkl") {
		t.Fatalf("unexpected buffer contents: %q", got)
	}
	if !strings.Contains(got, "4 bytes omitted") {
		t.Fatalf("expected omitted marker: %q", got)
	}
}

func TestExtractDurationPicksLastToken(t *testing.T) {
	d := ExtractDuration("complete (1.00s)\nOCR complete (4.25s, 3 pages)\n")
	if d == nil || *d != 4250*time.Millisecond {
		t.Fatalf("unexpected duration: %v", d)
	}
}
