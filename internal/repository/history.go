package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// 事件类型
const (
	EventCheckout = "checkout"
	EventCheckin  = "checkin"
)

// HistoryEvent 借还历史事件（只追加）
type HistoryEvent struct {
	EventID       int64  `json:"eventId"`
	SessionID     string `json:"sessionId,omitempty"`
	AssetTag      string `json:"assetTag"`
	StudentNumber string `json:"studentNumber"`
	EventType     string `json:"eventType"`
	ActorRef      string `json:"actorRef,omitempty"`
	Detail        string `json:"detail,omitempty"`
	TimeMs        int64  `json:"timeMs"`
}

// HistoryRepository 借还历史仓储
type HistoryRepository struct {
	db *sql.DB
}

// NewHistoryRepository 创建仓储
func NewHistoryRepository(db *sql.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Append 追加事件
func (r *HistoryRepository) Append(ctx context.Context, ev *HistoryEvent) error {
	if ev.TimeMs == 0 {
		ev.TimeMs = time.Now().UnixMilli()
	}
	query := `
		INSERT INTO checkout.loan_history
		(event_id, session_id, asset_tag, student_number, event_type, actor_ref, detail, time_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.ExecContext(ctx, query,
		ev.EventID, nullString(ev.SessionID), ev.AssetTag, ev.StudentNumber,
		ev.EventType, nullString(ev.ActorRef), nullString(ev.Detail), ev.TimeMs)
	if err != nil {
		return fmt.Errorf("insert history event: %w", err)
	}
	return nil
}

// ListByAsset 按设备查询历史
func (r *HistoryRepository) ListByAsset(ctx context.Context, assetTag string, limit int) ([]*HistoryEvent, error) {
	query := `
		SELECT event_id, session_id, asset_tag, student_number, event_type, actor_ref, detail, time_ms
		FROM checkout.loan_history
		WHERE asset_tag = $1
		ORDER BY time_ms DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, assetTag, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var events []*HistoryEvent
	for rows.Next() {
		var (
			ev        HistoryEvent
			sessionID sql.NullString
			actorRef  sql.NullString
			detail    sql.NullString
		)
		if err := rows.Scan(
			&ev.EventID, &sessionID, &ev.AssetTag, &ev.StudentNumber,
			&ev.EventType, &actorRef, &detail, &ev.TimeMs,
		); err != nil {
			return nil, fmt.Errorf("scan history event: %w", err)
		}
		ev.SessionID = sessionID.String
		ev.ActorRef = actorRef.String
		ev.Detail = detail.String
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// DeleteBySession 回滚用：移除本流程写入的历史事件
func (r *HistoryRepository) DeleteBySession(ctx context.Context, sessionID string) error {
	query := `DELETE FROM checkout.loan_history WHERE session_id = $1`
	if _, err := r.db.ExecContext(ctx, query, sessionID); err != nil {
		return fmt.Errorf("delete history events: %w", err)
	}
	return nil
}
