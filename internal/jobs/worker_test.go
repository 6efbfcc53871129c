package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/hibiken/asynq"

	"github.com/yourusername/docflow/internal/engine"
	"github.com/yourusername/docflow/internal/logging"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(_ context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) snapshot() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

type recordingScheduler struct {
	mu    sync.Mutex
	paths []string
}

func (s *recordingScheduler) ScheduleDeletion(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paths = append(s.paths, path)
	return true
}

func (s *recordingScheduler) has(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.paths {
		if p == path {
			return true
		}
	}
	return false
}

type fakeRecords struct {
	mu       sync.Mutex
	running  int
	progress []string
	done     *Result
	failed   *Result
}

func (r *fakeRecords) MarkRunning(context.Context, Job, int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running++
	return nil
}

func (r *fakeRecords) UpdateProgress(_ context.Context, _ string, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, message)
	return nil
}

func (r *fakeRecords) MarkDone(_ context.Context, _ string, result Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = &result
	return nil
}

func (r *fakeRecords) MarkFailed(_ context.Context, _ string, result Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = &result
	return nil
}

// shellPlanner は種別ごとに sh スクリプトを割り当てます。
type shellPlanner struct {
	outputDir string
	scripts   map[JobType]string
	artifact  string
	// perJobDir のときは作業ディレクトリを $0 としてスクリプトへ渡す
	perJobDir bool
	err       error
}

func (p *shellPlanner) Plan(job Job) (Plan, error) {
	if p.err != nil {
		return Plan{}, p.err
	}
	script, ok := p.scripts[job.Type]
	if !ok {
		return Plan{}, NewUnknownTypeError(job.Type)
	}
	if p.perJobDir {
		workDir := filepath.Join(p.outputDir, job.ID)
		return Plan{
			Invocation:   engine.Invocation{Command: "sh", Args: []string{"-c", script, workDir}},
			OutputDir:    p.outputDir,
			WorkDir:      workDir,
			ArtifactName: "images_" + job.ID + ".zip",
		}, nil
	}
	return Plan{
		Invocation: engine.Invocation{
			Command:  "sh",
			Args:     []string{"-c", script, p.artifact},
			Artifact: p.artifact,
		},
		OutputDir: p.outputDir,
	}, nil
}

type panicExecutor struct{}

func (panicExecutor) Execute(context.Context, engine.Invocation, engine.ProgressFunc) engine.Outcome {
	panic("executor must not be called")
}

func newTestProcessor(t *testing.T, planner Planner, exec engine.Executor) (*Processor, *recordingPublisher, *recordingScheduler, *fakeRecords) {
	t.Helper()
	pub := &recordingPublisher{}
	sched := &recordingScheduler{}
	records := &fakeRecords{}
	proc, err := NewProcessor(ProcessorOptions{
		Planner:   planner,
		Executor:  exec,
		Publisher: pub,
		Records:   records,
		Scheduler: sched,
	})
	if err != nil {
		t.Fatalf("NewProcessor returned error: %v", err)
	}
	return proc, pub, sched, records
}

func TestProcessCompressPDFSuccess(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "a.pdf")
	if err := os.WriteFile(input, []byte("%PDF-1.4\n"), 0o640); err != nil {
		t.Fatalf("write input: %v", err)
	}
	artifact := filepath.Join(dir, "compressed_1700000000000_abcd1234.pdf")
	planner := &shellPlanner{
		outputDir: dir,
		artifact:  artifact,
		scripts: map[JobType]string{
			TypeCompressPDF: `echo "Process: Compressing..."; echo "Status: Optimization complete (3.20s)"; printf "%%PDF" > "$0"; echo "Success: done"`,
		},
	}
	proc, pub, sched, records := newTestProcessor(t, planner, engine.NewProcessExecutor())

	job := Job{
		ID:   "job-1",
		Type: TypeCompressPDF,
		Payload: Payload{
			CorrelationToken: "tok-1",
			InputPath:        input,
			Options:          map[string]string{"grayscale": "true", "dpi": "100"},
		},
	}
	result := proc.Process(context.Background(), job)

	if result.Status != ResultSuccess {
		t.Fatalf("status = %s, detail = %s", result.Status, result.ErrorDetail)
	}
	if !regexp.MustCompile(`^/download/compressed_[0-9]+_[0-9a-f]+\.pdf$`).MatchString(result.DownloadRef) {
		t.Fatalf("unexpected downloadRef %q", result.DownloadRef)
	}
	if result.Duration == nil || *result.Duration != 3.2 {
		t.Fatalf("unexpected duration: %v", result.Duration)
	}
	if result.FileSize == nil || *result.FileSize != 4 {
		t.Fatalf("unexpected file size: %v", result.FileSize)
	}

	events := pub.snapshot()
	wantMessages := []string{"Process: Compressing...", "Status: Optimization complete (3.20s)", "Success: done"}
	if len(events) != len(wantMessages)+1 {
		t.Fatalf("events = %d, want %d", len(events), len(wantMessages)+1)
	}
	for i, msg := range wantMessages {
		if events[i].Kind != EventProgress || events[i].Progress.Message != msg {
			t.Fatalf("event %d = %#v, want progress %q", i, events[i], msg)
		}
		if events[i].Token != "tok-1" || events[i].Seq != int64(i+1) {
			t.Fatalf("event %d has wrong routing: %#v", i, events[i])
		}
	}
	last := events[len(events)-1]
	if last.Kind != EventResult || last.Result.Status != ResultSuccess {
		t.Fatalf("terminal event must be the result: %#v", last)
	}

	if !sched.has(input) || !sched.has(artifact) {
		t.Fatalf("input and artifact must be scheduled, got %#v", sched.paths)
	}
	if records.done == nil || len(records.progress) != 3 {
		t.Fatalf("record store not updated: %#v", records)
	}
}

func TestProcessOCRFailureKeepsInputScheduled(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "scan.png")
	if err := os.WriteFile(input, []byte("png"), 0o640); err != nil {
		t.Fatalf("write input: %v", err)
	}
	planner := &shellPlanner{
		outputDir: dir,
		artifact:  filepath.Join(dir, "ocr_1_deadbeef.txt"),
		scripts: map[JobType]string{
			TypeOCRExtract: `echo "Process: Initializing Neural Core..."; echo "tesseract not found" >&2; exit 1`,
		},
	}
	proc, pub, sched, records := newTestProcessor(t, planner, engine.NewProcessExecutor())

	result := proc.Process(context.Background(), Job{
		ID:      "job-2",
		Type:    TypeOCRExtract,
		Payload: Payload{CorrelationToken: "tok-2", InputPath: input},
	})

	if result.Status != ResultFailure || result.ErrorCode != CodeEngineFailure {
		t.Fatalf("unexpected result: %#v", result)
	}
	if !strings.Contains(result.ErrorDetail, "tesseract not found") {
		t.Fatalf("detail %q must contain stderr", result.ErrorDetail)
	}
	if !sched.has(input) {
		t.Fatal("input must be scheduled for deletion even on failure")
	}
	events := pub.snapshot()
	if got := events[len(events)-1]; got.Kind != EventResult || got.Result.Status != ResultFailure {
		t.Fatalf("last event must be the failure result: %#v", got)
	}
	if records.failed == nil || records.failed.ErrorCode != CodeEngineFailure {
		t.Fatalf("record not marked failed: %#v", records.failed)
	}
}

func TestProcessValidationFailureDoesNotSpawn(t *testing.T) {
	planner := &shellPlanner{err: NewValidationError("merge-pdf requires at least 2 files")}
	proc, pub, sched, _ := newTestProcessor(t, planner, panicExecutor{})

	result := proc.Process(context.Background(), Job{
		ID:      "job-3",
		Type:    TypeMergePDF,
		Payload: Payload{CorrelationToken: "tok-3", InputPaths: []string{"/tmp/only.pdf"}},
	})
	if result.Status != ResultFailure || result.ErrorCode != CodeInvalidInput {
		t.Fatalf("unexpected result: %#v", result)
	}
	if events := pub.snapshot(); len(events) != 1 || events[0].Kind != EventResult {
		t.Fatalf("expected exactly one result event: %#v", events)
	}
	if !sched.has("/tmp/only.pdf") {
		t.Fatal("inputs must still be scheduled")
	}
}

func TestProcessUnknownTypeIsJobFailure(t *testing.T) {
	proc, _, _, _ := newTestProcessor(t, &shellPlanner{scripts: map[JobType]string{}}, panicExecutor{})
	result := proc.Process(context.Background(), Job{ID: "job-4", Type: "pdf-to-midi", Payload: Payload{CorrelationToken: "tok"}})
	if result.Status != ResultFailure || result.ErrorCode != CodeUnknownJobType {
		t.Fatalf("unexpected result: %#v", result)
	}
}

func TestProcessSpawnFault(t *testing.T) {
	planner := plannerFunc(func(Job) (Plan, error) {
		return Plan{Invocation: engine.Invocation{Command: "docflow-missing-engine"}}, nil
	})
	proc, _, _, _ := newTestProcessor(t, planner, engine.NewProcessExecutor())
	result := proc.Process(context.Background(), Job{ID: "job-5", Type: TypeWordToPDF, Payload: Payload{CorrelationToken: "tok"}})
	if result.Status != ResultFailure || result.ErrorCode != CodeSpawnError {
		t.Fatalf("unexpected result: %#v", result)
	}
}

func TestProcessMissingArtifactIsSuccessWithZeroSize(t *testing.T) {
	dir := t.TempDir()
	planner := &shellPlanner{
		outputDir: dir,
		artifact:  filepath.Join(dir, "converted_1_00000000.pdf"),
		scripts:   map[JobType]string{TypeWordToPDF: `echo "Success: Conversion complete."`},
	}
	proc, _, sched, _ := newTestProcessor(t, planner, engine.NewProcessExecutor())
	result := proc.Process(context.Background(), Job{ID: "job-6", Type: TypeWordToPDF, Payload: Payload{CorrelationToken: "tok"}})
	if result.Status != ResultSuccess {
		t.Fatalf("unexpected result: %#v", result)
	}
	if result.FileSize == nil || *result.FileSize != 0 {
		t.Fatalf("file size = %v, want 0", result.FileSize)
	}
	if len(sched.paths) != 0 {
		t.Fatalf("missing artifact must not be scheduled: %#v", sched.paths)
	}
}

func TestProcessResultFileIsMovedOutOfWorkDir(t *testing.T) {
	dir := t.TempDir()
	planner := &shellPlanner{
		outputDir: dir,
		perJobDir: true,
		scripts: map[JobType]string{
			TypePDFToJPG: `printf '%s' "$0" > "$0/converted_images_9.zip"; echo "RESULT_FILE:converted_images_9.zip"`,
		},
	}
	proc, _, sched, _ := newTestProcessor(t, planner, engine.NewProcessExecutor())
	proc.baseURL = "https://cdn.example.com/files/"

	// 同じページ数の2ジョブが同時に走っても成果物は混ざらない
	ids := []string{"job-7", "job-8"}
	results := make([]Result, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			results[i] = proc.Process(context.Background(), Job{ID: id, Type: TypePDFToJPG, Payload: Payload{CorrelationToken: "tok-" + id}})
		}(i, id)
	}
	wg.Wait()

	for i, id := range ids {
		want := "https://cdn.example.com/files/images_" + id + ".zip"
		if results[i].Status != ResultSuccess || results[i].DownloadRef != want {
			t.Fatalf("result %d = %#v, want downloadRef %s", i, results[i], want)
		}
		artifact := filepath.Join(dir, "images_"+id+".zip")
		data, err := os.ReadFile(artifact)
		if err != nil {
			t.Fatalf("artifact %s missing: %v", artifact, err)
		}
		if string(data) != filepath.Join(dir, id) {
			t.Fatalf("artifact %s holds another job's output: %q", artifact, data)
		}
		if !sched.has(artifact) {
			t.Fatalf("artifact must be scheduled: %#v", sched.paths)
		}
		if _, err := os.Stat(filepath.Join(dir, id)); !os.IsNotExist(err) {
			t.Fatalf("work dir for %s must be removed, stat err = %v", id, err)
		}
	}
}

func TestProcessTaskWrapsFailureWithSkipRetry(t *testing.T) {
	proc, _, _, records := newTestProcessor(t, &shellPlanner{scripts: map[JobType]string{}}, panicExecutor{})
	body := `{"jobId":"job-8","type":"nope","payload":{"correlationToken":"tok"}}`
	err := proc.ProcessTask(context.Background(), asynq.NewTask("convert:nope", []byte(body)))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
	if records.running != 1 {
		t.Fatalf("record should be marked running once, got %d", records.running)
	}
}

func TestProcessTaskRejectsBrokenPayload(t *testing.T) {
	proc, pub, _, _ := newTestProcessor(t, &shellPlanner{}, panicExecutor{})
	err := proc.ProcessTask(context.Background(), asynq.NewTask("convert:merge-pdf", []byte("{")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
	if len(pub.snapshot()) != 0 {
		t.Fatal("no event can be routed without a token")
	}
}

type plannerFunc func(Job) (Plan, error)

func (f plannerFunc) Plan(job Job) (Plan, error) { return f(job) }

func TestServeMuxRoutesUnknownTypeToJobFailure(t *testing.T) {
	proc, pub, _, records := newTestProcessor(t, &shellPlanner{scripts: map[JobType]string{}}, panicExecutor{})
	mux := newServeMux(proc, logging.NewNop())

	body := `{"jobId":"job-20","payload":{"correlationToken":"tok"}}`
	err := mux.ProcessTask(context.Background(), asynq.NewTask("convert:bogus", []byte(body)))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}

	events := pub.snapshot()
	if len(events) != 1 || events[0].Kind != EventResult {
		t.Fatalf("expected a single result event, got %#v", events)
	}
	result := events[0].Result
	if result.Status != ResultFailure || result.ErrorCode != CodeUnknownJobType || result.JobID != "job-20" {
		t.Fatalf("unexpected result: %#v", result)
	}
	if records.failed == nil {
		t.Fatal("record must be marked failed")
	}
}

func TestServeMuxRecoversHandlerPanic(t *testing.T) {
	handler := asynq.HandlerFunc(func(context.Context, *asynq.Task) error {
		panic("boom")
	})
	mux := newServeMux(handler, logging.NewNop())

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				t.Fatalf("panic escaped the mux: %v", r)
			}
		}()
		err = mux.ProcessTask(context.Background(), asynq.NewTask(TypeCompressPDF.TaskType(), []byte(`{}`)))
	}()
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Fatalf("panic value missing from error: %v", err)
	}
}

func TestServeMuxIgnoresForeignTaskTypes(t *testing.T) {
	proc, pub, _, _ := newTestProcessor(t, &shellPlanner{scripts: map[JobType]string{}}, panicExecutor{})
	mux := newServeMux(proc, logging.NewNop())

	if err := mux.ProcessTask(context.Background(), asynq.NewTask("email:send", nil)); err == nil {
		t.Fatal("task outside the convert namespace must not be handled")
	}
	if len(pub.snapshot()) != 0 {
		t.Fatal("no result may be published for foreign tasks")
	}
}
