// Package idempotency Redis 幂等结果缓存
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// 记录状态
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Record 幂等记录
type Record struct {
	OperationType string          `json:"operationType"`
	Status        string          `json:"status"`
	Result        json.RawMessage `json:"result,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	CreateTimeMs  int64           `json:"createTimeMs"`
}

// Store 按键 upsert 的结果缓存。过期由 Redis TTL 承担：
// 过期即视为不存在，读取是服务端原子操作，不存在两读者都判缺失后
// 各自写入的窗口（步骤抢占另有条件更新兜底）。
type Store struct {
	client *redis.Client
	prefix string
}

// New 创建缓存
func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "checkout:idem:"
	}
	return &Store{client: client, prefix: prefix}
}

// GetCompleted 读取已完成且未过期的结果
func (s *Store) GetCompleted(ctx context.Context, key string) (json.RawMessage, bool, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get idempotency record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, fmt.Errorf("decode idempotency record: %w", err)
	}
	if rec.Status != StatusCompleted {
		return nil, false, nil
	}
	return rec.Result, true, nil
}

// Get 读取完整记录（含 failed）
func (s *Store) Get(ctx context.Context, key string) (*Record, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	return &rec, nil
}

// Complete upsert 为成功
func (s *Store) Complete(ctx context.Context, key, operationType string, result json.RawMessage, ttl time.Duration) error {
	return s.set(ctx, key, &Record{
		OperationType: operationType,
		Status:        StatusCompleted,
		Result:        result,
		CreateTimeMs:  time.Now().UnixMilli(),
	}, ttl)
}

// Fail upsert 为失败
func (s *Store) Fail(ctx context.Context, key, operationType, reason string, ttl time.Duration) error {
	return s.set(ctx, key, &Record{
		OperationType: operationType,
		Status:        StatusFailed,
		Reason:        reason,
		CreateTimeMs:  time.Now().UnixMilli(),
	}, ttl)
}

func (s *Store) set(ctx context.Context, key string, rec *Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode idempotency record: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("set idempotency record: %w", err)
	}
	return nil
}
