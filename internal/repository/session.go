// Package repository 借出流程数据访问层
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/athena/checkout/internal/saga"
)

// SessionRepository 会话与步骤记录仓储
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository 创建仓储
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// CreateSession 持久化会话与全部步骤记录
func (r *SessionRepository) CreateSession(ctx context.Context, sess *saga.Session, steps []*saga.StepRecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	sessionQuery := `
		INSERT INTO checkout.sessions
		(id, asset_tag, student_number, actor_ref, payload, payload_hash, status,
		 current_step, error_message, create_time_ms, update_time_ms, complete_time_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = tx.ExecContext(ctx, sessionQuery,
		sess.ID, sess.AssetTag, sess.StudentNumber, nullString(sess.ActorRef),
		[]byte(sess.Payload), sess.PayloadHash, string(sess.Status),
		sess.CurrentStep, nullString(sess.ErrorMessage),
		sess.CreateTimeMs, sess.UpdateTimeMs, nullInt64(sess.CompleteTimeMs),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return saga.ErrSessionExists
		}
		return fmt.Errorf("insert session: %w", err)
	}

	stepQuery := `
		INSERT INTO checkout.step_records
		(session_id, step_name, step_order, idempotency_key, status, result_data,
		 error_message, skip_reason, retry_count, processing_deadline_ms,
		 create_time_ms, update_time_ms, complete_time_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	for _, s := range steps {
		_, err = tx.ExecContext(ctx, stepQuery,
			s.SessionID, s.StepName, s.StepOrder, s.IdempotencyKey, string(s.Status),
			nullBytes(s.ResultData), nullString(s.ErrorMessage), nullString(s.SkipReason),
			s.RetryCount, nullInt64(s.ProcessingDeadlineMs),
			s.CreateTimeMs, s.UpdateTimeMs, nullInt64(s.CompleteTimeMs),
		)
		if err != nil {
			return fmt.Errorf("insert step record %s: %w", s.StepName, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session: %w", err)
	}
	return nil
}

// GetSession 获取会话
func (r *SessionRepository) GetSession(ctx context.Context, sessionID string) (*saga.Session, error) {
	query := `
		SELECT id, asset_tag, student_number, actor_ref, payload, payload_hash, status,
		       current_step, error_message, create_time_ms, update_time_ms, complete_time_ms
		FROM checkout.sessions
		WHERE id = $1
	`
	var (
		sess         saga.Session
		status       string
		payload      []byte
		actorRef     sql.NullString
		errorMessage sql.NullString
		completeMs   sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx, query, sessionID).Scan(
		&sess.ID, &sess.AssetTag, &sess.StudentNumber, &actorRef, &payload,
		&sess.PayloadHash, &status, &sess.CurrentStep, &errorMessage,
		&sess.CreateTimeMs, &sess.UpdateTimeMs, &completeMs,
	)
	if err == sql.ErrNoRows {
		return nil, saga.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	sess.Payload = json.RawMessage(payload)
	sess.Status = saga.SessionStatus(status)
	sess.ActorRef = actorRef.String
	sess.ErrorMessage = errorMessage.String
	sess.CompleteTimeMs = completeMs.Int64
	return &sess, nil
}

// UpdateSessionStatus 更新会话状态；终态写入完成时间
func (r *SessionRepository) UpdateSessionStatus(ctx context.Context, sessionID string, status saga.SessionStatus, currentStep, errorMessage string) error {
	nowMs := time.Now().UnixMilli()

	var (
		query string
		args  []interface{}
	)
	if status.Terminal() {
		query = `
			UPDATE checkout.sessions
			SET status = $1, current_step = $2, error_message = $3,
			    update_time_ms = $4, complete_time_ms = $4
			WHERE id = $5
		`
		args = []interface{}{string(status), currentStep, nullString(errorMessage), nowMs, sessionID}
	} else {
		query = `
			UPDATE checkout.sessions
			SET status = $1, current_step = $2, error_message = $3, update_time_ms = $4
			WHERE id = $5
		`
		args = []interface{}{string(status), currentStep, nullString(errorMessage), nowMs, sessionID}
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return saga.ErrSessionNotFound
	}
	return nil
}

const stepColumns = `session_id, step_name, step_order, idempotency_key, status, result_data,
	       error_message, skip_reason, retry_count, processing_deadline_ms,
	       create_time_ms, update_time_ms, complete_time_ms`

// ListSteps 按注册顺序返回会话全部步骤
func (r *SessionRepository) ListSteps(ctx context.Context, sessionID string) ([]*saga.StepRecord, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM checkout.step_records
		WHERE session_id = $1
		ORDER BY step_order ASC
	`
	rows, err := r.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var steps []*saga.StepRecord
	for rows.Next() {
		rec, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, rec)
	}
	return steps, rows.Err()
}

// GetStep 获取单个步骤记录
func (r *SessionRepository) GetStep(ctx context.Context, sessionID, stepName string) (*saga.StepRecord, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM checkout.step_records
		WHERE session_id = $1 AND step_name = $2
	`
	rec, err := scanStep(r.db.QueryRowContext(ctx, query, sessionID, stepName))
	if err == sql.ErrNoRows {
		return nil, saga.ErrStepNotFound
	}
	return rec, err
}

// ClaimStep 原子抢占 pending→processing。
// 租约过期的 processing 也可被重新抢占，并发调用只有一个成功。
func (r *SessionRepository) ClaimStep(ctx context.Context, sessionID, stepName string, deadlineMs int64) (bool, error) {
	nowMs := time.Now().UnixMilli()
	query := `
		UPDATE checkout.step_records
		SET status = 'processing', processing_deadline_ms = $1, update_time_ms = $2
		WHERE session_id = $3 AND step_name = $4
		  AND (status = 'pending'
		       OR (status = 'processing' AND processing_deadline_ms > 0 AND processing_deadline_ms < $2))
	`
	result, err := r.db.ExecContext(ctx, query, deadlineMs, nowMs, sessionID, stepName)
	if err != nil {
		return false, fmt.Errorf("claim step: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows == 1, nil
}

// CompleteStep 步骤落成功结果
func (r *SessionRepository) CompleteStep(ctx context.Context, sessionID, stepName string, resultData json.RawMessage) error {
	nowMs := time.Now().UnixMilli()
	query := `
		UPDATE checkout.step_records
		SET status = 'completed', result_data = $1, error_message = NULL,
		    processing_deadline_ms = NULL, update_time_ms = $2, complete_time_ms = $2
		WHERE session_id = $3 AND step_name = $4
		  AND status NOT IN ('completed', 'skipped', 'rolled_back', 'cancelled')
	`
	result, err := r.db.ExecContext(ctx, query, nullBytes(resultData), nowMs, sessionID, stepName)
	if err != nil {
		return fmt.Errorf("complete step: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return saga.ErrStepNotFound
	}
	return nil
}

// SkipStep 步骤记录为跳过
func (r *SessionRepository) SkipStep(ctx context.Context, sessionID, stepName, reason string) error {
	nowMs := time.Now().UnixMilli()
	query := `
		UPDATE checkout.step_records
		SET status = 'skipped', skip_reason = $1, error_message = NULL,
		    processing_deadline_ms = NULL, update_time_ms = $2, complete_time_ms = $2
		WHERE session_id = $3 AND step_name = $4 AND status = 'processing'
	`
	result, err := r.db.ExecContext(ctx, query, reason, nowMs, sessionID, stepName)
	if err != nil {
		return fmt.Errorf("skip step: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return saga.ErrStepNotFound
	}
	return nil
}

// FailStep 步骤落失败
func (r *SessionRepository) FailStep(ctx context.Context, sessionID, stepName, errorMessage string) error {
	nowMs := time.Now().UnixMilli()
	query := `
		UPDATE checkout.step_records
		SET status = 'failed', error_message = $1, processing_deadline_ms = NULL, update_time_ms = $2
		WHERE session_id = $3 AND step_name = $4 AND status = 'processing'
	`
	result, err := r.db.ExecContext(ctx, query, errorMessage, nowMs, sessionID, stepName)
	if err != nil {
		return fmt.Errorf("fail step: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return saga.ErrStepNotFound
	}
	return nil
}

// ReleaseStep 归还抢占：processing 回到 pending，不计重试。
// 状态不符（已被完成或重新抢占）为空操作。
func (r *SessionRepository) ReleaseStep(ctx context.Context, sessionID, stepName string) error {
	nowMs := time.Now().UnixMilli()
	query := `
		UPDATE checkout.step_records
		SET status = 'pending', processing_deadline_ms = NULL, update_time_ms = $1
		WHERE session_id = $2 AND step_name = $3 AND status = 'processing'
	`
	_, err := r.db.ExecContext(ctx, query, nowMs, sessionID, stepName)
	if err != nil {
		return fmt.Errorf("release step: %w", err)
	}
	return nil
}

// ResetStepForRetry failed 或租约过期的 processing 重置为 pending
func (r *SessionRepository) ResetStepForRetry(ctx context.Context, sessionID, stepName string, nowMs int64) error {
	query := `
		UPDATE checkout.step_records
		SET status = 'pending', retry_count = retry_count + 1, error_message = NULL,
		    processing_deadline_ms = NULL, update_time_ms = $1
		WHERE session_id = $2 AND step_name = $3
		  AND (status = 'failed'
		       OR (status = 'processing' AND processing_deadline_ms > 0 AND processing_deadline_ms < $1))
	`
	result, err := r.db.ExecContext(ctx, query, nowMs, sessionID, stepName)
	if err != nil {
		return fmt.Errorf("reset step for retry: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := r.GetStep(ctx, sessionID, stepName); err != nil {
			return err
		}
		return saga.ErrStepNotRetryable
	}
	return nil
}

// MarkStepRolledBack 回滚后标记步骤
func (r *SessionRepository) MarkStepRolledBack(ctx context.Context, sessionID, stepName string) error {
	nowMs := time.Now().UnixMilli()
	query := `
		UPDATE checkout.step_records
		SET status = 'rolled_back', update_time_ms = $1
		WHERE session_id = $2 AND step_name = $3 AND status = 'completed'
	`
	result, err := r.db.ExecContext(ctx, query, nowMs, sessionID, stepName)
	if err != nil {
		return fmt.Errorf("mark step rolled back: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return saga.ErrStepNotFound
	}
	return nil
}

// CancelOpenSteps 取消未执行与执行中的步骤
func (r *SessionRepository) CancelOpenSteps(ctx context.Context, sessionID string) error {
	nowMs := time.Now().UnixMilli()
	query := `
		UPDATE checkout.step_records
		SET status = 'cancelled', processing_deadline_ms = NULL, update_time_ms = $1
		WHERE session_id = $2 AND status IN ('pending', 'processing')
	`
	_, err := r.db.ExecContext(ctx, query, nowMs, sessionID)
	if err != nil {
		return fmt.Errorf("cancel open steps: %w", err)
	}
	return nil
}

// ListCompletedStepsDesc 按完成时间倒序返回 completed 步骤
func (r *SessionRepository) ListCompletedStepsDesc(ctx context.Context, sessionID string) ([]*saga.StepRecord, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM checkout.step_records
		WHERE session_id = $1 AND status = 'completed'
		ORDER BY complete_time_ms DESC, step_order DESC
	`
	rows, err := r.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list completed steps: %w", err)
	}
	defer rows.Close()

	var steps []*saga.StepRecord
	for rows.Next() {
		rec, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, rec)
	}
	return steps, rows.Err()
}

// RequeueExpiredProcessing 清扫租约过期的 processing 记录
func (r *SessionRepository) RequeueExpiredProcessing(ctx context.Context, nowMs int64) (int64, error) {
	query := `
		UPDATE checkout.step_records
		SET status = 'pending', retry_count = retry_count + 1,
		    processing_deadline_ms = NULL, update_time_ms = $1
		WHERE status = 'processing' AND processing_deadline_ms > 0 AND processing_deadline_ms < $1
	`
	result, err := r.db.ExecContext(ctx, query, nowMs)
	if err != nil {
		return 0, fmt.Errorf("requeue expired processing: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanStep(row rowScanner) (*saga.StepRecord, error) {
	var (
		rec          saga.StepRecord
		status       string
		resultData   []byte
		errorMessage sql.NullString
		skipReason   sql.NullString
		deadlineMs   sql.NullInt64
		completeMs   sql.NullInt64
	)
	err := row.Scan(
		&rec.SessionID, &rec.StepName, &rec.StepOrder, &rec.IdempotencyKey, &status,
		&resultData, &errorMessage, &skipReason, &rec.RetryCount, &deadlineMs,
		&rec.CreateTimeMs, &rec.UpdateTimeMs, &completeMs,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan step record: %w", err)
	}

	rec.Status = saga.StepStatus(status)
	rec.ResultData = json.RawMessage(resultData)
	rec.ErrorMessage = errorMessage.String
	rec.SkipReason = skipReason.String
	rec.ProcessingDeadlineMs = deadlineMs.Int64
	rec.CompleteTimeMs = completeMs.Int64
	return &rec, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt64(i int64) sql.NullInt64 {
	if i == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: i, Valid: true}
}

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
