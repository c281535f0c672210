package adminlog

import (
	"log/slog"
	"sync"
	"testing"
	"time"
)

func TestPushAndSnapshotPreservesOrder(t *testing.T) {
	r := New(3)
	now := time.Now()
	r.Push(now, slog.LevelInfo, "first", "turn")
	r.Push(now, slog.LevelWarn, "second", "control")
	r.Push(now, slog.LevelError, "third", "")

	got := r.Snapshot()
	if len(got) != 3 {
		t.Fatalf("len(Snapshot()) = %d, want 3", len(got))
	}
	if got[0].Message != "first" || got[1].Message != "second" || got[2].Message != "third" {
		t.Fatalf("Snapshot() out of order: %+v", got)
	}
	if got[0].Seq != 1 || got[1].Seq != 2 || got[2].Seq != 3 {
		t.Fatalf("Snapshot() sequence numbers wrong: %+v", got)
	}
}

func TestPushOverwritesOldestWhenFull(t *testing.T) {
	r := New(2)
	now := time.Now()
	r.Push(now, slog.LevelInfo, "a", "")
	r.Push(now, slog.LevelInfo, "b", "")
	r.Push(now, slog.LevelInfo, "c", "")

	got := r.Snapshot()
	if len(got) != 2 {
		t.Fatalf("len(Snapshot()) = %d, want 2", len(got))
	}
	if got[0].Message != "b" || got[1].Message != "c" {
		t.Fatalf("Snapshot() = %+v, want [b c]", got)
	}
}

func TestLevelStringBuckets(t *testing.T) {
	cases := []struct {
		level slog.Level
		want  string
	}{
		{slog.LevelDebug, "debug"},
		{slog.LevelInfo, "info"},
		{slog.LevelWarn, "warn"},
		{slog.LevelError, "error"},
	}
	for _, c := range cases {
		if got := levelString(c.level); got != c.want {
			t.Errorf("levelString(%v) = %q, want %q", c.level, got, c.want)
		}
	}
}

func TestPushIsSafeForConcurrentUse(t *testing.T) {
	r := New(100)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Push(time.Now(), slog.LevelInfo, "concurrent", "")
		}()
	}
	wg.Wait()

	if got := len(r.Snapshot()); got != 50 {
		t.Fatalf("len(Snapshot()) = %d, want 50", got)
	}
}

func TestNewClampsNonPositiveCapacity(t *testing.T) {
	r := New(0)
	if len(r.buf) != defaultCapacity {
		t.Fatalf("New(0) capacity = %d, want %d", len(r.buf), defaultCapacity)
	}
}
