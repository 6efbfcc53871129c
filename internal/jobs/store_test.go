package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestStoreLifecycle(t *testing.T) {
	mr, rdb := newTestRedis(t)
	store := NewStore(rdb, 10*time.Minute)
	ctx := context.Background()

	if err := store.Upsert(ctx, &Record{JobID: "j1", Type: TypeMergePDF, Status: StatusQueued}); err != nil {
		t.Fatalf("Upsert returned error: %v", err)
	}
	if ttl := mr.TTL(jobKey("j1")); ttl != 10*time.Minute {
		t.Fatalf("ttl = %s, want 10m", ttl)
	}

	if err := store.MarkRunning(ctx, Job{ID: "j1", Type: TypeMergePDF}, 1); err != nil {
		t.Fatalf("MarkRunning returned error: %v", err)
	}
	if err := store.UpdateProgress(ctx, "j1", "Process: merging"); err != nil {
		t.Fatalf("UpdateProgress returned error: %v", err)
	}
	if err := store.MarkDone(ctx, "j1", Result{JobID: "j1", Status: ResultSuccess, DownloadRef: "/download/merged_1_a.pdf"}); err != nil {
		t.Fatalf("MarkDone returned error: %v", err)
	}

	record, err := store.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if record.Status != StatusSucceeded || record.DownloadRef != "/download/merged_1_a.pdf" {
		t.Fatalf("unexpected record: %#v", record)
	}
	if record.Progress.Lines != 1 || record.Progress.Message != "Process: merging" {
		t.Fatalf("unexpected progress: %#v", record.Progress)
	}
	if record.CreatedAt.IsZero() || record.ExpiresAt.Sub(record.CreatedAt) != 10*time.Minute {
		t.Fatalf("unexpected timestamps: %#v", record)
	}
}

func TestStoreMarkFailedStoresErrorInfo(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewStore(rdb, time.Minute)
	ctx := context.Background()
	_ = store.Upsert(ctx, &Record{JobID: "j2", Status: StatusQueued})

	if err := store.MarkFailed(ctx, "j2", Result{Status: ResultFailure, ErrorCode: CodeEngineFailure, ErrorDetail: "boom"}); err != nil {
		t.Fatalf("MarkFailed returned error: %v", err)
	}
	record, _ := store.Get(ctx, "j2")
	if record.Status != StatusFailed || record.Error == nil || record.Error.Code != CodeEngineFailure {
		t.Fatalf("unexpected record: %#v", record)
	}
}

func TestStoreGetMissingReturnsNil(t *testing.T) {
	_, rdb := newTestRedis(t)
	record, err := NewStore(rdb, time.Minute).Get(context.Background(), "missing")
	if err != nil || record != nil {
		t.Fatalf("Get(missing) = %#v, %v", record, err)
	}
}

func TestStoreUpdateMissingRecord(t *testing.T) {
	_, rdb := newTestRedis(t)
	err := NewStore(rdb, time.Minute).UpdateProgress(context.Background(), "missing", "x")
	if !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestStoreMarkRunningRecreatesExpiredRecord(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewStore(rdb, time.Minute)
	ctx := context.Background()
	if err := store.MarkRunning(ctx, Job{ID: "j3", Type: TypeOCRExtract}, 2); err != nil {
		t.Fatalf("MarkRunning returned error: %v", err)
	}
	record, _ := store.Get(ctx, "j3")
	if record == nil || record.Status != StatusRunning || record.Attempts != 2 {
		t.Fatalf("unexpected record: %#v", record)
	}
}
