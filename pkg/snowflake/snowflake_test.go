package snowflake

import (
	"testing"
	"time"
)

func TestNewRejectsWorkerIDOutOfRange(t *testing.T) {
	for _, id := range []int64{-1, maxWorkerID + 1} {
		if _, err := New(id); err != ErrInvalidWorkerID {
			t.Fatalf("New(%d) error = %v, want ErrInvalidWorkerID", id, err)
		}
	}
	if _, err := New(maxWorkerID); err != nil {
		t.Fatalf("New(%d): %v", int64(maxWorkerID), err)
	}
}

func TestGenerateUnique(t *testing.T) {
	g, err := New(1)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	seen := make(map[int64]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		id := g.MustGenerate()
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate ID %d at iteration %d", id, i)
		}
		seen[id] = struct{}{}
	}
}

func TestParseRoundTrip(t *testing.T) {
	g, err := New(42)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	before := time.Now().UnixMilli()
	id := g.MustGenerate()
	after := time.Now().UnixMilli()

	ts, workerID, _ := Parse(id)
	if workerID != 42 {
		t.Fatalf("workerID = %d, want 42", workerID)
	}
	if ts < before || ts > after {
		t.Fatalf("timestamp %d outside [%d, %d]", ts, before, after)
	}
	if got := Time(id).UnixMilli(); got != ts {
		t.Fatalf("Time() = %d, want %d", got, ts)
	}
}

func TestNextIDRequiresInit(t *testing.T) {
	defaultGenerator = nil
	if _, err := NextID(); err == nil {
		t.Fatalf("NextID must fail before Init")
	}
	if err := Init(3); err != nil {
		t.Fatalf("init: %v", err)
	}
	id, err := NextID()
	if err != nil || id == 0 {
		t.Fatalf("NextID = %d, %v", id, err)
	}
}
