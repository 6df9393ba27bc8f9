package saga

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/athena/checkout/internal/metrics"
	cerrors "github.com/athena/checkout/pkg/errors"
	"github.com/athena/checkout/pkg/logger"
)

// StartInput 启动会话的输入
type StartInput struct {
	AssetTag      string
	StudentNumber string
	ActorRef      string
	Payload       json.RawMessage
	RequestTimeMs int64
}

// StepView getStatus 中单个步骤的投影
type StepView struct {
	StepName       string          `json:"stepName"`
	Status         StepStatus      `json:"status"`
	RetryCount     int             `json:"retryCount"`
	SkipReason     string          `json:"skipReason,omitempty"`
	ErrorMessage   string          `json:"errorMessage,omitempty"`
	ResultData     json.RawMessage `json:"resultData,omitempty"`
	CanRetry       bool            `json:"canRetry"`
	UpdateTimeMs   int64           `json:"updateTimeMs"`
	CompleteTimeMs int64           `json:"completeTimeMs,omitempty"`
}

// StatusView 会话完整投影
type StatusView struct {
	SessionID      string        `json:"sessionId"`
	AssetTag       string        `json:"assetTag"`
	StudentNumber  string        `json:"studentNumber"`
	Status         SessionStatus `json:"status"`
	CurrentStep    string        `json:"currentStep,omitempty"`
	ErrorMessage   string        `json:"errorMessage,omitempty"`
	Steps          []*StepView   `json:"steps"`
	CreateTimeMs   int64         `json:"createTimeMs"`
	UpdateTimeMs   int64         `json:"updateTimeMs"`
	CompleteTimeMs int64         `json:"completeTimeMs,omitempty"`
}

// Manager 会话生命周期管理
type Manager struct {
	registry *Registry
	store    SessionStore
	executor *Executor
	log      *logger.Logger
	metrics  *metrics.Metrics
}

// NewManager 创建会话管理器
func NewManager(registry *Registry, store SessionStore, executor *Executor,
	log *logger.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		registry: registry,
		store:    store,
		executor: executor,
		log:      log,
		metrics:  m,
	}
}

// Start 启动会话并为每个注册步骤物化 pending 记录。
// 相同输入哈希到已存在的会话时为无副作用操作，返回已有会话。
func (m *Manager) Start(ctx context.Context, in StartInput) (*Session, bool, error) {
	if in.AssetTag == "" || in.StudentNumber == "" {
		return nil, false, cerrors.New(cerrors.CodeValidationFailed, "assetTag and studentNumber are required")
	}
	if in.RequestTimeMs == 0 {
		in.RequestTimeMs = time.Now().UnixMilli()
	}

	payloadHash := HashPayload(in.Payload)
	id := NewSessionID(in.AssetTag, in.StudentNumber, payloadHash, in.RequestTimeMs)
	now := time.Now().UnixMilli()

	defs := m.registry.Steps()
	sess := &Session{
		ID:            id,
		AssetTag:      in.AssetTag,
		StudentNumber: in.StudentNumber,
		ActorRef:      in.ActorRef,
		Payload:       in.Payload,
		PayloadHash:   payloadHash,
		Status:        SessionInProgress,
		CurrentStep:   defs[0].Name,
		CreateTimeMs:  now,
		UpdateTimeMs:  now,
	}

	steps := make([]*StepRecord, len(defs))
	for i, def := range defs {
		steps[i] = &StepRecord{
			SessionID:      id,
			StepName:       def.Name,
			StepOrder:      i,
			IdempotencyKey: StepKey(id, def.Name, payloadHash),
			Status:         StepPending,
			CreateTimeMs:   now,
			UpdateTimeMs:   now,
		}
	}

	if err := m.store.CreateSession(ctx, sess, steps); err != nil {
		if errors.Is(err, ErrSessionExists) {
			existing, gerr := m.store.GetSession(ctx, id)
			if gerr != nil {
				return nil, false, gerr
			}
			return existing, false, nil
		}
		return nil, false, err
	}

	m.metrics.IncSessionStarted()
	m.log.WithContext(ctx).Infof("checkout session started", map[string]interface{}{
		"sessionId":     id,
		"assetTag":      in.AssetTag,
		"studentNumber": in.StudentNumber,
	})
	return sess, true, nil
}

// Advance 执行注册顺序中第一个待执行步骤；全部完成则置会话 completed
func (m *Manager) Advance(ctx context.Context, sessionID string) (*Outcome, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != SessionInProgress {
		return nil, cerrors.Newf(cerrors.CodeStateConflict, "session %s is %s", sessionID, sess.Status)
	}

	steps, err := m.store.ListSteps(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	nowMs := time.Now().UnixMilli()
	next := m.nextRunnable(steps, nowMs)
	if next == nil {
		return m.finishIfDone(ctx, sess, steps)
	}

	// 崩溃遗留的过期 processing 视为可重试
	if next.Status == StepProcessing {
		if err := m.store.ResetStepForRetry(ctx, sessionID, next.StepName, nowMs); err != nil {
			if errors.Is(err, ErrStepNotRetryable) {
				return nil, cerrors.Newf(cerrors.CodeStateConflict, "step %s is in flight", next.StepName)
			}
			return nil, err
		}
	}

	out, err := m.executor.Execute(ctx, sess, next.StepName)
	if err != nil {
		return nil, err
	}
	return m.afterStep(ctx, sess, out)
}

// Retry 重试 failed（或租约过期的 processing）步骤
func (m *Manager) Retry(ctx context.Context, sessionID, stepName string) (*Outcome, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != SessionInProgress {
		return nil, cerrors.Newf(cerrors.CodeStateConflict, "session %s is %s", sessionID, sess.Status)
	}
	if _, ok := m.registry.Lookup(stepName); !ok {
		return nil, ErrStepNotFound
	}

	nowMs := time.Now().UnixMilli()
	if err := m.store.ResetStepForRetry(ctx, sessionID, stepName, nowMs); err != nil {
		if errors.Is(err, ErrStepNotRetryable) {
			rec, gerr := m.store.GetStep(ctx, sessionID, stepName)
			if gerr != nil {
				return nil, gerr
			}
			return nil, cerrors.Newf(cerrors.CodeStateConflict,
				"step %s is %s, only failed steps can be retried", stepName, rec.Status)
		}
		return nil, err
	}

	out, err := m.executor.Execute(ctx, sess, stepName)
	if err != nil {
		return nil, err
	}
	return m.afterStep(ctx, sess, out)
}

// RunToCompletion 反复 Advance 直到终态或步骤失败；
// 失败不阻止调用方之后再 Retry。
func (m *Manager) RunToCompletion(ctx context.Context, sessionID string) (*StatusView, error) {
	limit := len(m.registry.Steps()) + 1
	for i := 0; i < limit; i++ {
		out, err := m.Advance(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if out.StepName == "" || out.Err != nil || out.SessionStatus.Terminal() {
			break
		}
	}
	return m.GetStatus(ctx, sessionID)
}

// Cancel 取消会话：pending/processing 步骤置 cancelled，
// 已完成步骤不补偿（取消不是回滚）。
func (m *Manager) Cancel(ctx context.Context, sessionID string) error {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != SessionInProgress {
		return cerrors.Newf(cerrors.CodeStateConflict, "session %s is %s", sessionID, sess.Status)
	}

	if err := m.store.UpdateSessionStatus(ctx, sessionID, SessionCancelled, sess.CurrentStep, "cancelled by caller"); err != nil {
		return err
	}
	if err := m.store.CancelOpenSteps(ctx, sessionID); err != nil {
		return err
	}
	m.metrics.IncSessionFinished(string(SessionCancelled))
	m.log.WithContext(ctx).Infof("checkout session cancelled", map[string]interface{}{"sessionId": sessionID})
	return nil
}

// GetStatus 会话与全部步骤的投影
func (m *Manager) GetStatus(ctx context.Context, sessionID string) (*StatusView, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	steps, err := m.store.ListSteps(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	nowMs := time.Now().UnixMilli()
	views := make([]*StepView, len(steps))
	for i, s := range steps {
		views[i] = &StepView{
			StepName:       s.StepName,
			Status:         s.Status,
			RetryCount:     s.RetryCount,
			SkipReason:     s.SkipReason,
			ErrorMessage:   s.ErrorMessage,
			ResultData:     s.ResultData,
			CanRetry:       canRetry(s, nowMs),
			UpdateTimeMs:   s.UpdateTimeMs,
			CompleteTimeMs: s.CompleteTimeMs,
		}
	}

	return &StatusView{
		SessionID:      sess.ID,
		AssetTag:       sess.AssetTag,
		StudentNumber:  sess.StudentNumber,
		Status:         sess.Status,
		CurrentStep:    sess.CurrentStep,
		ErrorMessage:   sess.ErrorMessage,
		Steps:          views,
		CreateTimeMs:   sess.CreateTimeMs,
		UpdateTimeMs:   sess.UpdateTimeMs,
		CompleteTimeMs: sess.CompleteTimeMs,
	}, nil
}

// nextRunnable 注册顺序中第一个 pending 或租约过期的 processing 步骤
func (m *Manager) nextRunnable(steps []*StepRecord, nowMs int64) *StepRecord {
	for _, s := range steps {
		switch s.Status {
		case StepPending:
			return s
		case StepProcessing:
			if s.ProcessingDeadlineMs > 0 && s.ProcessingDeadlineMs < nowMs {
				return s
			}
			return nil // 真在执行中，不并发推进
		}
	}
	return nil
}

// finishIfDone 无待执行步骤时收尾：全部完成置 completed，
// 存在 failed 则保持 in_progress 等待重试。
func (m *Manager) finishIfDone(ctx context.Context, sess *Session, steps []*StepRecord) (*Outcome, error) {
	allDone := true
	for _, s := range steps {
		if !s.Status.Done() {
			allDone = false
			break
		}
	}

	out := &Outcome{SessionID: sess.ID, SessionStatus: sess.Status}
	if !allDone {
		out.Err = cerrors.New(cerrors.CodeStateConflict, "no runnable step: failed or in-flight steps remain")
		return out, nil
	}

	if err := m.store.UpdateSessionStatus(ctx, sess.ID, SessionCompleted, "", ""); err != nil {
		return nil, err
	}
	m.metrics.IncSessionFinished(string(SessionCompleted))
	out.SessionStatus = SessionCompleted
	m.log.WithContext(ctx).Infof("checkout session completed", map[string]interface{}{"sessionId": sess.ID})
	return out, nil
}

// afterStep 成功后推进 currentStep；最后一步完成则收尾
func (m *Manager) afterStep(ctx context.Context, sess *Session, out *Outcome) (*Outcome, error) {
	if out.Err != nil || !out.Status.Done() {
		return out, nil
	}

	steps, err := m.store.ListSteps(ctx, sess.ID)
	if err != nil {
		return nil, err
	}

	for _, s := range steps {
		if !s.Status.Done() && s.Status != StepFailed {
			if s.StepName != sess.CurrentStep {
				if err := m.store.UpdateSessionStatus(ctx, sess.ID, SessionInProgress, s.StepName, ""); err != nil {
					return nil, err
				}
			}
			out.SessionStatus = SessionInProgress
			return out, nil
		}
	}

	fin, err := m.finishIfDone(ctx, sess, steps)
	if err != nil {
		return nil, err
	}
	out.SessionStatus = fin.SessionStatus
	if fin.Err != nil && out.Err == nil {
		out.SessionStatus = SessionInProgress
	}
	return out, nil
}

func canRetry(s *StepRecord, nowMs int64) bool {
	if s.Status == StepFailed {
		return true
	}
	return s.Status == StepProcessing && s.ProcessingDeadlineMs > 0 && s.ProcessingDeadlineMs < nowMs
}
