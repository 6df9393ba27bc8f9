package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

var feeColumns = []string{
	"entry_id", "session_id", "student_number", "asset_tag", "amount_cents",
	"status", "idempotency_key", "create_time_ms", "update_time_ms",
}

func newFeeRepo(t *testing.T) (*FeeRepository, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	return NewFeeRepository(db), mock, func() { db.Close() }
}

func TestCreateFeeReturnsExistingOnDuplicateKey(t *testing.T) {
	repo, mock, done := newFeeRepo(t)
	defer done()

	nowMs := time.Now().UnixMilli()
	mock.ExpectExec("INSERT INTO checkout.fee_ledger").
		WillReturnError(errors.New(`pq: duplicate key value violates unique constraint "fee_ledger_idempotency_key_key"`))
	mock.ExpectQuery("SELECT (.+) FROM checkout.fee_ledger").
		WithArgs("idem-key").
		WillReturnRows(sqlmock.NewRows(feeColumns).
			AddRow(int64(77), "sess-1", "S-42", "CB-1001", int64(3000), FeeCreated, "idem-key", nowMs, nowMs))

	fee, err := repo.CreateFee(context.Background(), &FeeEntry{
		EntryID:        88,
		SessionID:      "sess-1",
		StudentNumber:  "S-42",
		AssetTag:       "CB-1001",
		AmountCents:    3000,
		Status:         FeeCreated,
		IdempotencyKey: "idem-key",
	})
	if err != nil {
		t.Fatalf("create fee: %v", err)
	}
	// 重复写入返回首次创建的条目
	if fee.EntryID != 77 {
		t.Fatalf("entryId = %d, want 77", fee.EntryID)
	}
}

func TestUpdateFeeStatusConditionMiss(t *testing.T) {
	repo, mock, done := newFeeRepo(t)
	defer done()

	mock.ExpectExec("UPDATE checkout.fee_ledger").
		WithArgs(FeeCollected, sqlmock.AnyArg(), int64(77), FeeCreated).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateFeeStatus(context.Background(), 77, FeeCreated, FeeCollected)
	if !errors.Is(err, ErrFeeNotFound) {
		t.Fatalf("err = %v, want ErrFeeNotFound", err)
	}
}

func TestGetFeeBySessionNotFound(t *testing.T) {
	repo, mock, done := newFeeRepo(t)
	defer done()

	mock.ExpectQuery("SELECT (.+) FROM checkout.fee_ledger").
		WithArgs("sess-1").
		WillReturnRows(sqlmock.NewRows(feeColumns))

	_, err := repo.GetFeeBySession(context.Background(), "sess-1")
	if !errors.Is(err, ErrFeeNotFound) {
		t.Fatalf("err = %v, want ErrFeeNotFound", err)
	}
}
