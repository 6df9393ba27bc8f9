package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// 费用状态
const (
	FeeCreated   = "created"
	FeeCollected = "collected"
	FeeVoided    = "voided"
)

// FeeEntry 保险费台账条目
type FeeEntry struct {
	EntryID        int64  `json:"entryId"`
	SessionID      string `json:"sessionId"`
	StudentNumber  string `json:"studentNumber"`
	AssetTag       string `json:"assetTag"`
	AmountCents    int64  `json:"amountCents"`
	Status         string `json:"status"`
	IdempotencyKey string `json:"idempotencyKey"`
	CreateTimeMs   int64  `json:"createTimeMs"`
	UpdateTimeMs   int64  `json:"updateTimeMs"`
}

// FeeRepository 费用台账仓储
type FeeRepository struct {
	db *sql.DB
}

// NewFeeRepository 创建仓储
func NewFeeRepository(db *sql.DB) *FeeRepository {
	return &FeeRepository{db: db}
}

// CreateFee 写入台账条目；幂等键冲突时返回已有条目
func (r *FeeRepository) CreateFee(ctx context.Context, fee *FeeEntry) (*FeeEntry, error) {
	query := `
		INSERT INTO checkout.fee_ledger
		(entry_id, session_id, student_number, asset_tag, amount_cents, status,
		 idempotency_key, create_time_ms, update_time_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`
	nowMs := time.Now().UnixMilli()
	_, err := r.db.ExecContext(ctx, query,
		fee.EntryID, fee.SessionID, fee.StudentNumber, fee.AssetTag,
		fee.AmountCents, fee.Status, fee.IdempotencyKey, nowMs)
	if err != nil {
		if isUniqueViolation(err) {
			return r.GetFeeByKey(ctx, fee.IdempotencyKey)
		}
		return nil, fmt.Errorf("insert fee entry: %w", err)
	}
	fee.CreateTimeMs = nowMs
	fee.UpdateTimeMs = nowMs
	return fee, nil
}

// GetFeeByKey 按幂等键获取台账条目
func (r *FeeRepository) GetFeeByKey(ctx context.Context, idempotencyKey string) (*FeeEntry, error) {
	query := `
		SELECT entry_id, session_id, student_number, asset_tag, amount_cents,
		       status, idempotency_key, create_time_ms, update_time_ms
		FROM checkout.fee_ledger
		WHERE idempotency_key = $1
	`
	return r.scanFee(r.db.QueryRowContext(ctx, query, idempotencyKey))
}

// GetFeeBySession 按会话获取台账条目
func (r *FeeRepository) GetFeeBySession(ctx context.Context, sessionID string) (*FeeEntry, error) {
	query := `
		SELECT entry_id, session_id, student_number, asset_tag, amount_cents,
		       status, idempotency_key, create_time_ms, update_time_ms
		FROM checkout.fee_ledger
		WHERE session_id = $1
	`
	return r.scanFee(r.db.QueryRowContext(ctx, query, sessionID))
}

// UpdateFeeStatus 条件更新费用状态
func (r *FeeRepository) UpdateFeeStatus(ctx context.Context, entryID int64, from, to string) error {
	query := `
		UPDATE checkout.fee_ledger
		SET status = $1, update_time_ms = $2
		WHERE entry_id = $3 AND status = $4
	`
	result, err := r.db.ExecContext(ctx, query, to, time.Now().UnixMilli(), entryID, from)
	if err != nil {
		return fmt.Errorf("update fee status: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrFeeNotFound
	}
	return nil
}

// SetFeeStatus 回滚用：无条件恢复状态前像
func (r *FeeRepository) SetFeeStatus(ctx context.Context, entryID int64, status string) error {
	query := `
		UPDATE checkout.fee_ledger
		SET status = $1, update_time_ms = $2
		WHERE entry_id = $3
	`
	result, err := r.db.ExecContext(ctx, query, status, time.Now().UnixMilli(), entryID)
	if err != nil {
		return fmt.Errorf("set fee status: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrFeeNotFound
	}
	return nil
}

// DeleteFeeBySession 回滚用：移除本流程创建的台账条目
func (r *FeeRepository) DeleteFeeBySession(ctx context.Context, sessionID string) error {
	query := `DELETE FROM checkout.fee_ledger WHERE session_id = $1`
	if _, err := r.db.ExecContext(ctx, query, sessionID); err != nil {
		return fmt.Errorf("delete fee entries: %w", err)
	}
	return nil
}

func (r *FeeRepository) scanFee(row *sql.Row) (*FeeEntry, error) {
	var f FeeEntry
	err := row.Scan(
		&f.EntryID, &f.SessionID, &f.StudentNumber, &f.AssetTag, &f.AmountCents,
		&f.Status, &f.IdempotencyKey, &f.CreateTimeMs, &f.UpdateTimeMs,
	)
	if err == sql.ErrNoRows {
		return nil, ErrFeeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan fee entry: %w", err)
	}
	return &f, nil
}
