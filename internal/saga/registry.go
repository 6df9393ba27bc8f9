package saga

import (
	"context"
	"encoding/json"
	"fmt"
)

// StepContext 步骤执行上下文：会话输入与此前各步骤的结果
type StepContext struct {
	Session *Session
	Payload json.RawMessage
	// Results 已完成步骤的结果，按步骤名索引
	Results map[string]json.RawMessage
}

// Handler 步骤域逻辑。只接收输入、返回结果或错误，
// 不得自行决定重试策略或触碰幂等/前像存储。
type Handler interface {
	Execute(ctx context.Context, sc *StepContext) (json.RawMessage, error)
}

// HandlerFunc 函数适配器
type HandlerFunc func(ctx context.Context, sc *StepContext) (json.RawMessage, error)

func (f HandlerFunc) Execute(ctx context.Context, sc *StepContext) (json.RawMessage, error) {
	return f(ctx, sc)
}

// Snapshotter 捕获与恢复步骤即将变更的实体前像
type Snapshotter interface {
	Capture(ctx context.Context, sc *StepContext) (json.RawMessage, error)
	Restore(ctx context.Context, sc *StepContext, entities json.RawMessage) error
}

// StepDef 注册步骤定义。Snapshot 非 nil 即视为可补偿：
// 可补偿 ⇔ 捕获前像 ⇔ 回滚时恢复，单一来源，不维护平行清单。
type StepDef struct {
	Name     string
	Critical bool
	Handler  Handler
	Snapshot Snapshotter
}

// Compensable 步骤是否可补偿
func (d StepDef) Compensable() bool {
	return d.Snapshot != nil
}

// SkipError 步骤主动跳过（非关键失败按跳过记录，不阻塞会话完成）
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string {
	return "step skipped: " + e.Reason
}

// Skip 构造跳过错误
func Skip(reason string) error {
	return &SkipError{Reason: reason}
}

// Registry 固定有序步骤表
type Registry struct {
	steps  []StepDef
	byName map[string]int
}

// NewRegistry 创建注册表，步骤顺序即执行顺序
func NewRegistry(steps ...StepDef) (*Registry, error) {
	byName := make(map[string]int, len(steps))
	for i, s := range steps {
		if s.Name == "" {
			return nil, fmt.Errorf("step %d has empty name", i)
		}
		if s.Handler == nil {
			return nil, fmt.Errorf("step %q has nil handler", s.Name)
		}
		if _, dup := byName[s.Name]; dup {
			return nil, fmt.Errorf("duplicate step name %q", s.Name)
		}
		byName[s.Name] = i
	}
	return &Registry{steps: steps, byName: byName}, nil
}

// MustNewRegistry 创建注册表，出错 panic（进程启动期使用）
func MustNewRegistry(steps ...StepDef) *Registry {
	r, err := NewRegistry(steps...)
	if err != nil {
		panic(err)
	}
	return r
}

// Steps 按注册顺序返回全部步骤
func (r *Registry) Steps() []StepDef {
	return r.steps
}

// Lookup 按名称查找步骤
func (r *Registry) Lookup(name string) (StepDef, bool) {
	i, ok := r.byName[name]
	if !ok {
		return StepDef{}, false
	}
	return r.steps[i], true
}

// Index 步骤在注册顺序中的位置
func (r *Registry) Index(name string) (int, bool) {
	i, ok := r.byName[name]
	return i, ok
}

// Names 按注册顺序返回步骤名
func (r *Registry) Names() []string {
	names := make([]string, len(r.steps))
	for i, s := range r.steps {
		names[i] = s.Name
	}
	return names
}
