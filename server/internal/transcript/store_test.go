package transcript

import (
	"context"
	"path/filepath"
	"testing"

	"sage-talk/server/internal/model"
)

// 两个实现共用同一组行为测试
func testStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	// seq 单调递增
	seq1, err := store.Append(ctx, "sess-1", &model.TranscriptEvent{Role: "user", Type: "text", Text: "hello"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	seq2, err := store.Append(ctx, "sess-1", &model.TranscriptEvent{Role: "tutor", Type: "text", Text: "hi there"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if seq1 != 1 || seq2 != 2 {
		t.Fatalf("seq: got %d, %d", seq1, seq2)
	}

	// EventID 幂等：重试返回已分配的 seq，不产生新事件
	evt := &model.TranscriptEvent{EventID: "evt-42", Role: "user", Type: "text", Text: "retry me"}
	first, err := store.Append(ctx, "sess-1", evt)
	if err != nil {
		t.Fatalf("append with event id: %v", err)
	}
	retry, err := store.Append(ctx, "sess-1", evt)
	if err != nil {
		t.Fatalf("retry append: %v", err)
	}
	if first != retry {
		t.Fatalf("idempotent append: got %d then %d", first, retry)
	}

	// session 之间 seq 独立
	other, err := store.Append(ctx, "sess-2", &model.TranscriptEvent{Role: "system", Type: "state", Text: "connected"})
	if err != nil {
		t.Fatalf("append other session: %v", err)
	}
	if other != 1 {
		t.Fatalf("other session seq: got %d want 1", other)
	}

	events, err := store.List(ctx, "sess-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("list: got %d events want 3", len(events))
	}
	for i, evt := range events {
		if evt.Seq != int64(i+1) {
			t.Fatalf("event %d seq: got %d", i, evt.Seq)
		}
		if evt.SessionID != "sess-1" {
			t.Fatalf("event %d session: got %q", i, evt.SessionID)
		}
		if evt.ServerTS.IsZero() {
			t.Fatalf("event %d missing server ts", i)
		}
	}
	if events[0].Text != "hello" || events[1].Text != "hi there" || events[2].Text != "retry me" {
		t.Fatalf("event order: %+v", events)
	}

	empty, err := store.List(ctx, "sess-unknown")
	if err != nil {
		t.Fatalf("list unknown: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("unknown session should be empty, got %d", len(empty))
	}
}

func TestInMemoryStore(t *testing.T) {
	testStore(t, NewInMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "transcript.db")
	store, err := OpenSQLite(dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer store.Close()

	testStore(t, store)
}

// 重新打开数据库后转写记录仍在
func TestSQLiteStorePersistence(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "transcript.db")
	ctx := context.Background()

	store, err := OpenSQLite(dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if _, err := store.Append(ctx, "sess-1", &model.TranscriptEvent{Role: "user", Type: "text", Text: "persist me"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	store.Close()

	reopened, err := OpenSQLite(dsn)
	if err != nil {
		t.Fatalf("reopen sqlite: %v", err)
	}
	defer reopened.Close()

	events, err := reopened.List(ctx, "sess-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 1 || events[0].Text != "persist me" {
		t.Fatalf("events after reopen: %+v", events)
	}
}
