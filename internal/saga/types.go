// Package saga 借出流程状态机
package saga

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"
)

// SessionStatus 会话状态
type SessionStatus string

const (
	SessionInProgress        SessionStatus = "in_progress"
	SessionCompleted         SessionStatus = "completed"
	SessionFailed            SessionStatus = "failed"
	SessionRollbackCompleted SessionStatus = "rollback_completed"
	SessionRollbackFailed    SessionStatus = "rollback_failed"
	SessionCancelled         SessionStatus = "cancelled"
)

// Terminal 会话是否终态
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionRollbackCompleted, SessionRollbackFailed, SessionCancelled:
		return true
	}
	return false
}

// StepStatus 步骤状态
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepProcessing StepStatus = "processing"
	StepCompleted  StepStatus = "completed"
	StepSkipped    StepStatus = "skipped"
	StepFailed     StepStatus = "failed"
	StepRolledBack StepStatus = "rolled_back"
	StepCancelled  StepStatus = "cancelled"
)

// Done 步骤是否不再需要执行（skipped 视同 completed）
func (s StepStatus) Done() bool {
	return s == StepCompleted || s == StepSkipped
}

// Session 一次借出流程实例
type Session struct {
	ID             string          `json:"id"`
	AssetTag       string          `json:"assetTag"`
	StudentNumber  string          `json:"studentNumber"`
	ActorRef       string          `json:"actorRef"`
	Payload        json.RawMessage `json:"payload"`
	PayloadHash    string          `json:"payloadHash"`
	Status         SessionStatus   `json:"status"`
	CurrentStep    string          `json:"currentStep"`
	ErrorMessage   string          `json:"errorMessage,omitempty"`
	CreateTimeMs   int64           `json:"createTimeMs"`
	UpdateTimeMs   int64           `json:"updateTimeMs"`
	CompleteTimeMs int64           `json:"completeTimeMs,omitempty"`
}

// StepRecord 会话内单个步骤的持久化记录
type StepRecord struct {
	SessionID            string          `json:"sessionId"`
	StepName             string          `json:"stepName"`
	StepOrder            int             `json:"stepOrder"`
	IdempotencyKey       string          `json:"idempotencyKey"`
	Status               StepStatus      `json:"status"`
	ResultData           json.RawMessage `json:"resultData,omitempty"`
	ErrorMessage         string          `json:"errorMessage,omitempty"`
	SkipReason           string          `json:"skipReason,omitempty"`
	RetryCount           int             `json:"retryCount"`
	ProcessingDeadlineMs int64           `json:"processingDeadlineMs,omitempty"`
	CreateTimeMs         int64           `json:"createTimeMs"`
	UpdateTimeMs         int64           `json:"updateTimeMs"`
	CompleteTimeMs       int64           `json:"completeTimeMs,omitempty"`
}

// Snapshot 可补偿步骤执行前捕获的实体前像
type Snapshot struct {
	SessionID     string          `json:"sessionId"`
	StepName      string          `json:"stepName"`
	Entities      json.RawMessage `json:"entities"`
	CaptureTimeMs int64           `json:"captureTimeMs"`
}

// SessionStore 会话与步骤记录存储
//
// ClaimStep 必须是单条条件更新：pending（或 processing 且租约过期）
// 才允许转为 processing，同一步骤并发争抢只有一个调用方成功。
type SessionStore interface {
	// CreateSession 持久化会话与全部步骤记录；ID 已存在返回 ErrSessionExists
	CreateSession(ctx context.Context, sess *Session, steps []*StepRecord) error
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	UpdateSessionStatus(ctx context.Context, sessionID string, status SessionStatus, currentStep, errorMessage string) error

	ListSteps(ctx context.Context, sessionID string) ([]*StepRecord, error)
	GetStep(ctx context.Context, sessionID, stepName string) (*StepRecord, error)

	// ClaimStep 原子抢占 pending→processing，返回是否抢占成功
	ClaimStep(ctx context.Context, sessionID, stepName string, deadlineMs int64) (bool, error)
	CompleteStep(ctx context.Context, sessionID, stepName string, result json.RawMessage) error
	SkipStep(ctx context.Context, sessionID, stepName, reason string) error
	FailStep(ctx context.Context, sessionID, stepName, errorMessage string) error

	// ReleaseStep processing→pending，归还未产生副作用的抢占；
	// 状态不符为空操作
	ReleaseStep(ctx context.Context, sessionID, stepName string) error

	// ResetStepForRetry failed（或租约过期的 processing）→ pending，retryCount+1；
	// 状态不符返回 ErrStepNotRetryable
	ResetStepForRetry(ctx context.Context, sessionID, stepName string, nowMs int64) error
	MarkStepRolledBack(ctx context.Context, sessionID, stepName string) error
	CancelOpenSteps(ctx context.Context, sessionID string) error

	// ListCompletedStepsDesc 按完成时间倒序返回 completed 步骤（回滚用）
	ListCompletedStepsDesc(ctx context.Context, sessionID string) ([]*StepRecord, error)

	// RequeueExpiredProcessing 将租约过期的 processing 重置为 pending，返回影响行数
	RequeueExpiredProcessing(ctx context.Context, nowMs int64) (int64, error)
}

// SnapshotStore 前像存储，Save 为 upsert（重试覆盖旧前像）
type SnapshotStore interface {
	Save(ctx context.Context, snap *Snapshot) error
	Get(ctx context.Context, sessionID, stepName string) (*Snapshot, error)
}

// ResultStore 幂等结果缓存
type ResultStore interface {
	// GetCompleted 原子读取已完成且未过期的结果
	GetCompleted(ctx context.Context, key string) (json.RawMessage, bool, error)
	Complete(ctx context.Context, key, operationType string, result json.RawMessage, ttl time.Duration) error
	Fail(ctx context.Context, key, operationType, reason string, ttl time.Duration) error
}

// NewSessionID 由触发请求派生确定性会话 ID
func NewSessionID(assetTag, studentNumber, payloadHash string, startTimeMs int64) string {
	h := sha256.New()
	h.Write([]byte(assetTag))
	h.Write([]byte{'|'})
	h.Write([]byte(studentNumber))
	h.Write([]byte{'|'})
	h.Write([]byte(payloadHash))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatInt(startTimeMs, 10)))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// StepKey 步骤幂等键
func StepKey(sessionID, stepName, payloadHash string) string {
	h := sha256.New()
	h.Write([]byte(sessionID))
	h.Write([]byte{'|'})
	h.Write([]byte(stepName))
	h.Write([]byte{'|'})
	h.Write([]byte(payloadHash))
	return hex.EncodeToString(h.Sum(nil))
}

// HashPayload 计算载荷指纹
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

