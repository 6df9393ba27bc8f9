package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/athena/checkout/internal/saga"
)

// SnapshotRepository 步骤前像仓储
type SnapshotRepository struct {
	db *sql.DB
}

// NewSnapshotRepository 创建仓储
func NewSnapshotRepository(db *sql.DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// Save 写入前像，重试覆盖旧前像
func (r *SnapshotRepository) Save(ctx context.Context, snap *saga.Snapshot) error {
	query := `
		INSERT INTO checkout.snapshots (session_id, step_name, entities, capture_time_ms)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id, step_name)
		DO UPDATE SET entities = EXCLUDED.entities, capture_time_ms = EXCLUDED.capture_time_ms
	`
	_, err := r.db.ExecContext(ctx, query,
		snap.SessionID, snap.StepName, []byte(snap.Entities), snap.CaptureTimeMs)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Get 读取前像
func (r *SnapshotRepository) Get(ctx context.Context, sessionID, stepName string) (*saga.Snapshot, error) {
	query := `
		SELECT session_id, step_name, entities, capture_time_ms
		FROM checkout.snapshots
		WHERE session_id = $1 AND step_name = $2
	`
	var (
		snap     saga.Snapshot
		entities []byte
	)
	err := r.db.QueryRowContext(ctx, query, sessionID, stepName).Scan(
		&snap.SessionID, &snap.StepName, &entities, &snap.CaptureTimeMs)
	if err == sql.ErrNoRows {
		return nil, saga.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan snapshot: %w", err)
	}
	snap.Entities = json.RawMessage(entities)
	return &snap, nil
}
