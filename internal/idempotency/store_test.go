package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, ""), mr
}

func TestGetCompletedMissOnEmptyStore(t *testing.T) {
	store, _ := newTestStore(t)

	result, hit, err := store.GetCompleted(context.Background(), "key-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if hit || result != nil {
		t.Fatalf("expected miss, got hit=%v result=%s", hit, result)
	}
}

func TestCompleteThenGetCompleted(t *testing.T) {
	store, _ := newTestStore(t)

	if err := store.Complete(context.Background(), "key-1", "assign_device", []byte(`{"assetTag":"CB-1"}`), time.Hour); err != nil {
		t.Fatalf("complete: %v", err)
	}

	result, hit, err := store.GetCompleted(context.Background(), "key-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !hit {
		t.Fatalf("expected hit")
	}
	if string(result) != `{"assetTag":"CB-1"}` {
		t.Fatalf("result = %s", result)
	}
}

func TestFailedRecordIsNotACompletedHit(t *testing.T) {
	store, _ := newTestStore(t)

	if err := store.Fail(context.Background(), "key-1", "generate_agreement", "renderer unavailable", time.Hour); err != nil {
		t.Fatalf("fail: %v", err)
	}

	_, hit, err := store.GetCompleted(context.Background(), "key-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if hit {
		t.Fatalf("failed record must not satisfy completed lookup")
	}

	rec, err := store.Get(context.Background(), "key-1")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec == nil || rec.Status != StatusFailed || rec.Reason != "renderer unavailable" {
		t.Fatalf("record = %+v", rec)
	}
}

func TestRetryOverwritesFailedRecord(t *testing.T) {
	store, _ := newTestStore(t)

	if err := store.Fail(context.Background(), "key-1", "generate_agreement", "boom", time.Hour); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := store.Complete(context.Background(), "key-1", "generate_agreement", []byte(`{"documentId":"doc-1"}`), time.Hour); err != nil {
		t.Fatalf("complete: %v", err)
	}

	result, hit, err := store.GetCompleted(context.Background(), "key-1")
	if err != nil || !hit {
		t.Fatalf("get: hit=%v err=%v", hit, err)
	}
	if string(result) != `{"documentId":"doc-1"}` {
		t.Fatalf("result = %s", result)
	}
}

func TestExpiredRecordIsAMiss(t *testing.T) {
	store, mr := newTestStore(t)

	if err := store.Complete(context.Background(), "key-1", "assign_device", []byte(`{}`), time.Minute); err != nil {
		t.Fatalf("complete: %v", err)
	}
	mr.FastForward(2 * time.Minute)

	_, hit, err := store.GetCompleted(context.Background(), "key-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if hit {
		t.Fatalf("expired record must be a miss")
	}

	rec, err := store.Get(context.Background(), "key-1")
	if err != nil || rec != nil {
		t.Fatalf("expired record must be gone, rec=%+v err=%v", rec, err)
	}
}

func TestGetSurfacesRedisError(t *testing.T) {
	client, mock := redismock.NewClientMock()
	store := New(client, "")

	mock.ExpectGet("checkout:idem:key-1").SetErr(errors.New("connection refused"))

	if _, _, err := store.GetCompleted(context.Background(), "key-1"); err == nil {
		t.Fatalf("redis failure must propagate, not read as a miss")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSetSurfacesRedisError(t *testing.T) {
	client, mock := redismock.NewClientMock()
	store := New(client, "")

	mock.Regexp().ExpectSet("checkout:idem:key-1", `.*`, time.Hour).SetErr(errors.New("connection refused"))

	if err := store.Complete(context.Background(), "key-1", "assign_device", []byte(`{}`), time.Hour); err == nil {
		t.Fatalf("redis failure must propagate")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCorruptRecordIsAnError(t *testing.T) {
	store, mr := newTestStore(t)

	mr.Set("checkout:idem:key-1", "{not json")

	if _, _, err := store.GetCompleted(context.Background(), "key-1"); err == nil {
		t.Fatalf("corrupt record must surface as an error")
	}
	if _, err := store.Get(context.Background(), "key-1"); err == nil {
		t.Fatalf("corrupt record must surface as an error")
	}
}

func TestKeysAreNamespaced(t *testing.T) {
	store, mr := newTestStore(t)

	if err := store.Complete(context.Background(), "key-1", "op", []byte(`{}`), time.Hour); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !mr.Exists("checkout:idem:key-1") {
		t.Fatalf("key missing expected prefix, keys = %v", mr.Keys())
	}
}
