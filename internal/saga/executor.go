package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/athena/checkout/internal/metrics"
	cerrors "github.com/athena/checkout/pkg/errors"
	"github.com/athena/checkout/pkg/logger"
	"github.com/athena/checkout/pkg/tracing"
)

// Outcome 单步执行的结构化结果。步骤失败不跨会话边界抛出，
// 以 Err 字段返回，会话保持可查询、可重试。
type Outcome struct {
	SessionID        string          `json:"sessionId"`
	StepName         string          `json:"stepName"`
	Status           StepStatus      `json:"status"`
	AlreadyCompleted bool            `json:"alreadyCompleted"`
	SkipReason       string          `json:"skipReason,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	RetryCount       int             `json:"retryCount"`
	RolledBack       bool            `json:"rolledBack"`
	SessionStatus    SessionStatus   `json:"sessionStatus"`
	Err              *cerrors.Error  `json:"error,omitempty"`
}

// ExecutorConfig 执行器参数
type ExecutorConfig struct {
	// ProcessingLease processing 状态租约时长，过期视为卡死可重抢
	ProcessingLease time.Duration
	// ResultTTL 幂等结果缓存时长
	ResultTTL time.Duration
}

// DefaultExecutorConfig 默认参数
var DefaultExecutorConfig = ExecutorConfig{
	ProcessingLease: 2 * time.Minute,
	ResultTTL:       24 * time.Hour,
}

// Executor 执行单个步骤：幂等检查 → 前像捕获 → 原子抢占 → 域逻辑 → 落结果
type Executor struct {
	registry  *Registry
	store     SessionStore
	snapshots SnapshotStore
	results   ResultStore
	rollback  *Rollback
	log       *logger.Logger
	metrics   *metrics.Metrics
	cfg       ExecutorConfig
}

// NewExecutor 创建执行器
func NewExecutor(registry *Registry, store SessionStore, snapshots SnapshotStore,
	results ResultStore, rollback *Rollback, log *logger.Logger, m *metrics.Metrics,
	cfg ExecutorConfig) *Executor {
	if cfg.ProcessingLease <= 0 {
		cfg.ProcessingLease = DefaultExecutorConfig.ProcessingLease
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = DefaultExecutorConfig.ResultTTL
	}
	return &Executor{
		registry:  registry,
		store:     store,
		snapshots: snapshots,
		results:   results,
		rollback:  rollback,
		log:       log,
		metrics:   m,
		cfg:       cfg,
	}
}

// Execute 执行会话内一个命名步骤
func (e *Executor) Execute(ctx context.Context, sess *Session, stepName string) (*Outcome, error) {
	def, ok := e.registry.Lookup(stepName)
	if !ok {
		return nil, ErrStepNotFound
	}

	rec, err := e.store.GetStep(ctx, sess.ID, stepName)
	if err != nil {
		return nil, err
	}

	out := &Outcome{
		SessionID:     sess.ID,
		StepName:      stepName,
		RetryCount:    rec.RetryCount,
		SessionStatus: sess.Status,
	}

	ctx, span := tracing.StartSpan(ctx, "checkout.step."+stepName)
	defer span.End()

	// 幂等检查：命中缓存则直接返回，不执行域逻辑、不捕获前像
	cached, hit, err := e.results.GetCompleted(ctx, rec.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	if hit {
		// 缓存写入后、步骤记录更新前崩溃会留下滞后的记录，补齐
		if !rec.Status.Done() {
			if err := e.store.CompleteStep(ctx, sess.ID, stepName, cached); err != nil {
				return nil, err
			}
		}
		out.Status = StepCompleted
		out.AlreadyCompleted = true
		out.Result = cached
		e.metrics.IncStepExecuted(stepName, "already_completed")
		return out, nil
	}
	if rec.Status.Done() {
		// 缓存过期但记录已完成，记录为准
		out.Status = rec.Status
		out.AlreadyCompleted = true
		out.Result = rec.ResultData
		out.SkipReason = rec.SkipReason
		e.metrics.IncStepExecuted(stepName, "already_completed")
		return out, nil
	}

	sc, err := e.buildContext(ctx, sess)
	if err != nil {
		return nil, err
	}

	// 原子抢占 pending→processing，并发争抢仅一个调用方执行域逻辑
	deadlineMs := time.Now().Add(e.cfg.ProcessingLease).UnixMilli()
	claimed, err := e.store.ClaimStep(ctx, sess.ID, stepName, deadlineMs)
	if err != nil {
		return nil, fmt.Errorf("claim step: %w", err)
	}
	if !claimed {
		out.Status = StepProcessing
		out.Err = cerrors.Newf(cerrors.CodeStateConflict, "step %s claimed by another caller", stepName)
		e.metrics.IncStepExecuted(stepName, "claim_lost")
		return out, nil
	}

	// 抢占成功后才捕获前像：此时变更尚未发生，落败方不会在
	// 胜者变更落库后用后像覆盖真实前像；重试覆盖旧前像
	if def.Compensable() {
		entities, err := def.Snapshot.Capture(ctx, sc)
		if err != nil {
			// 捕获失败无副作用，归还抢占让下次 advance 重试
			if relErr := e.store.ReleaseStep(ctx, sess.ID, stepName); relErr != nil {
				return nil, fmt.Errorf("release step after capture failure: %w", relErr)
			}
			out.Status = StepPending
			out.Err = cerrors.Newf(cerrors.CodeStepExecutionFailed, "capture snapshot for %s: %v", stepName, err)
			e.metrics.IncStepExecuted(stepName, "snapshot_error")
			return out, nil
		}
		if err := e.snapshots.Save(ctx, &Snapshot{
			SessionID:     sess.ID,
			StepName:      stepName,
			Entities:      entities,
			CaptureTimeMs: time.Now().UnixMilli(),
		}); err != nil {
			if relErr := e.store.ReleaseStep(ctx, sess.ID, stepName); relErr != nil {
				e.log.WithError(relErr).WithField("step", stepName).Warn("release step after snapshot save failure")
			}
			return nil, fmt.Errorf("save snapshot: %w", err)
		}
	}

	start := time.Now()
	result, execErr := e.invoke(ctx, def, sc)
	e.metrics.ObserveStepLatency(stepName, time.Since(start))

	if execErr != nil {
		return e.finishFailed(ctx, sess, def, rec, out, execErr)
	}

	if err := e.store.CompleteStep(ctx, sess.ID, stepName, result); err != nil {
		return nil, err
	}
	if err := e.results.Complete(ctx, rec.IdempotencyKey, stepName, result, e.cfg.ResultTTL); err != nil {
		// 步骤记录是权威，缓存写失败只降级为重复检查
		e.log.WithError(err).WithField("step", stepName).Warn("idempotency cache write failed")
	}
	out.Status = StepCompleted
	out.Result = result
	e.metrics.IncStepExecuted(stepName, "completed")
	return out, nil
}

// invoke 调用域逻辑并吸收 panic，故障只作为结果返回
func (e *Executor) invoke(ctx context.Context, def StepDef, sc *StepContext) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step %s panicked: %v", def.Name, r)
		}
	}()
	return def.Handler.Execute(ctx, sc)
}

func (e *Executor) finishFailed(ctx context.Context, sess *Session, def StepDef,
	rec *StepRecord, out *Outcome, execErr error) (*Outcome, error) {

	var skip *SkipError
	if errors.As(execErr, &skip) {
		if err := e.store.SkipStep(ctx, sess.ID, def.Name, skip.Reason); err != nil {
			return nil, err
		}
		out.Status = StepSkipped
		out.SkipReason = skip.Reason
		e.metrics.IncStepExecuted(def.Name, "skipped")
		return out, nil
	}

	tracing.SetError(ctx, execErr)
	if err := e.store.FailStep(ctx, sess.ID, def.Name, execErr.Error()); err != nil {
		return nil, err
	}
	if err := e.results.Fail(ctx, rec.IdempotencyKey, def.Name, execErr.Error(), e.cfg.ResultTTL); err != nil {
		e.log.WithError(err).WithField("step", def.Name).Warn("idempotency cache write failed")
	}

	out.Status = StepFailed
	var be *cerrors.Error
	if errors.As(execErr, &be) {
		out.Err = be
	} else {
		out.Err = cerrors.Newf(cerrors.CodeStepExecutionFailed, "step %s: %v", def.Name, execErr)
	}
	e.metrics.IncStepExecuted(def.Name, "failed")

	e.log.WithContext(ctx).WithError(execErr).Errorf("step failed", map[string]interface{}{
		"sessionId": sess.ID,
		"step":      def.Name,
		"critical":  def.Critical,
	})

	// 关键步骤失败触发回滚评估
	if def.Critical {
		final, rbErr := e.rollback.Run(ctx, sess, def.Name, execErr.Error())
		out.RolledBack = final == SessionRollbackCompleted || final == SessionRollbackFailed
		out.SessionStatus = final
		if rbErr != nil {
			out.Err = cerrors.Newf(cerrors.CodeRollbackFailed,
				"step %s failed and rollback did not complete: %v", def.Name, rbErr)
		}
	}
	return out, nil
}

// buildContext 汇总此前已完成步骤的结果
func (e *Executor) buildContext(ctx context.Context, sess *Session) (*StepContext, error) {
	steps, err := e.store.ListSteps(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	results := make(map[string]json.RawMessage, len(steps))
	for _, s := range steps {
		if s.Status.Done() && len(s.ResultData) > 0 {
			results[s.StepName] = s.ResultData
		}
	}
	return &StepContext{
		Session: sess,
		Payload: sess.Payload,
		Results: results,
	}, nil
}
