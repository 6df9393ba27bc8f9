package saga

import (
	"context"
	"fmt"

	"github.com/athena/checkout/internal/metrics"
	"github.com/athena/checkout/pkg/logger"
	"github.com/athena/checkout/pkg/tracing"
)

// Rollback 按完成时间倒序恢复可补偿步骤的前像
type Rollback struct {
	registry  *Registry
	store     SessionStore
	snapshots SnapshotStore
	log       *logger.Logger
	metrics   *metrics.Metrics
}

// NewRollback 创建回滚协调器
func NewRollback(registry *Registry, store SessionStore, snapshots SnapshotStore,
	log *logger.Logger, m *metrics.Metrics) *Rollback {
	return &Rollback{
		registry:  registry,
		store:     store,
		snapshots: snapshots,
		log:       log,
		metrics:   m,
	}
}

// Run 对会话执行回滚，返回会话终态。
//
// 严格 LIFO：只处理 completed 步骤，无前像的步骤（不可补偿）跳过。
// 任一恢复失败立即停止，会话置 rollback_failed —— 部分回滚后实体状态
// 不明确，必须人工介入，绝不自动重试。
func (r *Rollback) Run(ctx context.Context, sess *Session, failedStep, reason string) (SessionStatus, error) {
	ctx, span := tracing.StartSpan(ctx, "checkout.rollback")
	defer span.End()

	completed, err := r.store.ListCompletedStepsDesc(ctx, sess.ID)
	if err != nil {
		return sess.Status, fmt.Errorf("list completed steps: %w", err)
	}

	// 无已完成步骤可回退：会话直接失败
	if len(completed) == 0 {
		if err := r.store.UpdateSessionStatus(ctx, sess.ID, SessionFailed, failedStep, reason); err != nil {
			return sess.Status, err
		}
		r.metrics.IncRollback("nothing_to_unwind")
		r.metrics.IncSessionFinished(string(SessionFailed))
		return SessionFailed, nil
	}

	for _, rec := range completed {
		def, ok := r.registry.Lookup(rec.StepName)
		if !ok || !def.Compensable() {
			continue
		}

		if err := r.restore(ctx, sess, def, rec); err != nil {
			tracing.SetError(ctx, err)
			r.log.WithContext(ctx).WithError(err).Errorf("rollback halted, manual intervention required", map[string]interface{}{
				"sessionId": sess.ID,
				"step":      rec.StepName,
			})
			msg := fmt.Sprintf("restore %s: %v (after failure of %s: %s)", rec.StepName, err, failedStep, reason)
			if uerr := r.store.UpdateSessionStatus(ctx, sess.ID, SessionRollbackFailed, rec.StepName, msg); uerr != nil {
				return sess.Status, uerr
			}
			r.metrics.IncRollback("failed")
			r.metrics.IncSessionFinished(string(SessionRollbackFailed))
			return SessionRollbackFailed, err
		}

		if err := r.store.MarkStepRolledBack(ctx, sess.ID, rec.StepName); err != nil {
			return sess.Status, err
		}
	}

	if err := r.store.UpdateSessionStatus(ctx, sess.ID, SessionRollbackCompleted, failedStep, reason); err != nil {
		return sess.Status, err
	}
	r.metrics.IncRollback("completed")
	r.metrics.IncSessionFinished(string(SessionRollbackCompleted))
	return SessionRollbackCompleted, nil
}

func (r *Rollback) restore(ctx context.Context, sess *Session, def StepDef, rec *StepRecord) error {
	snap, err := r.snapshots.Get(ctx, sess.ID, rec.StepName)
	if err != nil {
		// 可补偿步骤在执行前必有前像，缺失说明状态已不一致
		return fmt.Errorf("load snapshot: %w", err)
	}

	sc := &StepContext{Session: sess, Payload: sess.Payload}
	return def.Snapshot.Restore(ctx, sc, snap.Entities)
}
