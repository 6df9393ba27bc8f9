// Package service 借出业务
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/athena/checkout/internal/client"
	"github.com/athena/checkout/internal/metrics"
	"github.com/athena/checkout/internal/repository"
	"github.com/athena/checkout/internal/saga"
	cerrors "github.com/athena/checkout/pkg/errors"
	"github.com/athena/checkout/pkg/logger"
)

// 注册步骤名，注册顺序即执行顺序
const (
	StepValidateRequest    = "validate_request"
	StepUpsertStudent      = "upsert_student"
	StepAssignDevice       = "assign_device"
	StepRecordHistory      = "record_history"
	StepCreateInsuranceFee = "create_insurance_fee"
	StepCollectFeePayment  = "collect_fee_payment"
	StepGenerateAgreement  = "generate_agreement"
	StepNotifyDirectory    = "notify_directory"
)

// DeviceStore 设备存储
type DeviceStore interface {
	GetDevice(ctx context.Context, assetTag string) (*repository.Device, error)
	AssignDevice(ctx context.Context, assetTag, studentNumber string) error
	RestoreDeviceState(ctx context.Context, assetTag, status, assignedStudent string) error
	ReturnDevice(ctx context.Context, assetTag string) error
}

// StudentStore 学生存储
type StudentStore interface {
	GetStudent(ctx context.Context, studentNumber string) (*repository.Student, error)
	UpsertStudent(ctx context.Context, s *repository.Student) error
	DeleteStudent(ctx context.Context, studentNumber string) error
}

// FeeStore 费用台账存储
type FeeStore interface {
	CreateFee(ctx context.Context, fee *repository.FeeEntry) (*repository.FeeEntry, error)
	GetFeeBySession(ctx context.Context, sessionID string) (*repository.FeeEntry, error)
	UpdateFeeStatus(ctx context.Context, entryID int64, from, to string) error
	SetFeeStatus(ctx context.Context, entryID int64, status string) error
	DeleteFeeBySession(ctx context.Context, sessionID string) error
}

// HistoryStore 借还历史存储
type HistoryStore interface {
	Append(ctx context.Context, ev *repository.HistoryEvent) error
	ListByAsset(ctx context.Context, assetTag string, limit int) ([]*repository.HistoryEvent, error)
	DeleteBySession(ctx context.Context, sessionID string) error
}

// Renderer 协议文档渲染
type Renderer interface {
	RenderAgreement(ctx context.Context, idempotencyKey string, data json.RawMessage) (*client.RenderResponse, error)
}

// NotifyPublisher 目录通知消息发布
type NotifyPublisher interface {
	Publish(ctx context.Context, stream string, msg interface{}) (string, error)
}

// CheckoutPayload 启动借出会话的不可变输入
type CheckoutPayload struct {
	AssetTag          string `json:"assetTag"`
	StudentNumber     string `json:"studentNumber"`
	ActorRef          string `json:"actorRef,omitempty"`
	FirstName         string `json:"firstName"`
	LastName          string `json:"lastName"`
	Grade             string `json:"grade"`
	SchoolCode        string `json:"schoolCode"`
	Email             string `json:"email,omitempty"`
	GuardianEmail     string `json:"guardianEmail,omitempty"`
	InsuranceSelected bool   `json:"insuranceSelected"`
	InsuranceCents    int64  `json:"insuranceCents,omitempty"`
	GuardianSignature string `json:"guardianSignature,omitempty"`
	Notes             string `json:"notes,omitempty"`
}

// NotifyMessage 目录通知消息（经 Redis Stream 异步投递）
type NotifyMessage struct {
	SessionID     string `json:"sessionId"`
	AssetTag      string `json:"assetTag"`
	SerialNumber  string `json:"serialNumber,omitempty"`
	AnnotatedUser string `json:"annotatedUser"`
	Notes         string `json:"notes,omitempty"`
}

// CheckoutService 步骤域逻辑与周边 CRUD
type CheckoutService struct {
	devices      DeviceStore
	students     StudentStore
	fees         FeeStore
	history      HistoryStore
	renderer     Renderer
	publisher    NotifyPublisher
	notifyStream string
	nextID       func() (int64, error)
	log          *logger.Logger
	metrics      *metrics.Metrics

	defaultInsuranceCents int64
}

// Config 服务参数
type Config struct {
	NotifyStream          string
	DefaultInsuranceCents int64
	NextID                func() (int64, error)
}

// NewCheckoutService 创建服务
func NewCheckoutService(devices DeviceStore, students StudentStore, fees FeeStore,
	history HistoryStore, renderer Renderer, publisher NotifyPublisher,
	log *logger.Logger, m *metrics.Metrics, cfg Config) *CheckoutService {
	if cfg.NotifyStream == "" {
		cfg.NotifyStream = "checkout:notify"
	}
	if cfg.DefaultInsuranceCents <= 0 {
		cfg.DefaultInsuranceCents = 3000
	}
	return &CheckoutService{
		devices:               devices,
		students:              students,
		fees:                  fees,
		history:               history,
		renderer:              renderer,
		publisher:             publisher,
		notifyStream:          cfg.NotifyStream,
		nextID:                cfg.NextID,
		log:                   log,
		metrics:               m,
		defaultInsuranceCents: cfg.DefaultInsuranceCents,
	}
}

// Registry 构建借出流程步骤表
func (s *CheckoutService) Registry() *saga.Registry {
	return saga.MustNewRegistry(
		saga.StepDef{
			Name:     StepValidateRequest,
			Critical: true,
			Handler:  saga.HandlerFunc(s.validateRequest),
		},
		saga.StepDef{
			Name:     StepUpsertStudent,
			Critical: true,
			Handler:  saga.HandlerFunc(s.upsertStudent),
			Snapshot: &studentSnapshot{students: s.students},
		},
		saga.StepDef{
			Name:     StepAssignDevice,
			Critical: true,
			Handler:  saga.HandlerFunc(s.assignDevice),
			Snapshot: &deviceSnapshot{devices: s.devices},
		},
		saga.StepDef{
			Name:     StepRecordHistory,
			Handler:  saga.HandlerFunc(s.recordHistory),
			Snapshot: &historySnapshot{history: s.history},
		},
		saga.StepDef{
			Name:     StepCreateInsuranceFee,
			Handler:  saga.HandlerFunc(s.createInsuranceFee),
			Snapshot: &feeCreateSnapshot{fees: s.fees},
		},
		saga.StepDef{
			Name:     StepCollectFeePayment,
			Handler:  saga.HandlerFunc(s.collectFeePayment),
			Snapshot: &feeStatusSnapshot{fees: s.fees},
		},
		saga.StepDef{
			// 渲染失败可原地重试，不触发回滚
			Name:    StepGenerateAgreement,
			Handler: saga.HandlerFunc(s.generateAgreement),
		},
		saga.StepDef{
			Name:    StepNotifyDirectory,
			Handler: saga.HandlerFunc(s.notifyDirectory),
		},
	)
}

func decodePayload(raw json.RawMessage) (*CheckoutPayload, error) {
	var p CheckoutPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, cerrors.Newf(cerrors.CodeValidationFailed, "decode payload: %v", err)
	}
	return &p, nil
}

// validateRequest 校验输入与设备可借状态，只读不落副作用
func (s *CheckoutService) validateRequest(ctx context.Context, sc *saga.StepContext) (json.RawMessage, error) {
	p, err := decodePayload(sc.Payload)
	if err != nil {
		return nil, err
	}

	var missing []string
	if p.AssetTag == "" {
		missing = append(missing, "assetTag")
	}
	if p.StudentNumber == "" {
		missing = append(missing, "studentNumber")
	}
	if p.FirstName == "" {
		missing = append(missing, "firstName")
	}
	if p.LastName == "" {
		missing = append(missing, "lastName")
	}
	if len(missing) > 0 {
		return nil, cerrors.Newf(cerrors.CodeValidationFailed, "missing required fields: %s", strings.Join(missing, ", "))
	}
	if p.InsuranceSelected && p.InsuranceCents < 0 {
		return nil, cerrors.New(cerrors.CodeValidationFailed, "insuranceCents must not be negative")
	}

	device, err := s.devices.GetDevice(ctx, p.AssetTag)
	if err != nil {
		if errors.Is(err, repository.ErrDeviceNotFound) {
			return nil, cerrors.Newf(cerrors.CodeDeviceNotFound, "device %s not found", p.AssetTag)
		}
		return nil, err
	}
	if device.Status != repository.DeviceAvailable {
		return nil, cerrors.Newf(cerrors.CodeDeviceUnavailable, "device %s is %s", p.AssetTag, device.Status)
	}

	return json.Marshal(map[string]interface{}{
		"validated":    true,
		"serialNumber": device.SerialNumber,
	})
}

// upsertStudent 创建或更新借用人记录
func (s *CheckoutService) upsertStudent(ctx context.Context, sc *saga.StepContext) (json.RawMessage, error) {
	p, err := decodePayload(sc.Payload)
	if err != nil {
		return nil, err
	}

	student := &repository.Student{
		StudentNumber: p.StudentNumber,
		FirstName:     p.FirstName,
		LastName:      p.LastName,
		Grade:         p.Grade,
		SchoolCode:    p.SchoolCode,
		Email:         p.Email,
		GuardianEmail: p.GuardianEmail,
		Active:        true,
	}
	if err := s.students.UpsertStudent(ctx, student); err != nil {
		return nil, fmt.Errorf("upsert student %s: %w", p.StudentNumber, err)
	}

	return json.Marshal(map[string]interface{}{
		"studentNumber": p.StudentNumber,
	})
}

// assignDevice 将设备状态翻转为已借出
func (s *CheckoutService) assignDevice(ctx context.Context, sc *saga.StepContext) (json.RawMessage, error) {
	p, err := decodePayload(sc.Payload)
	if err != nil {
		return nil, err
	}

	if err := s.devices.AssignDevice(ctx, p.AssetTag, p.StudentNumber); err != nil {
		if errors.Is(err, repository.ErrDeviceNotFound) {
			device, gerr := s.devices.GetDevice(ctx, p.AssetTag)
			if gerr != nil {
				return nil, cerrors.Newf(cerrors.CodeDeviceNotFound, "device %s not found", p.AssetTag)
			}
			return nil, cerrors.Newf(cerrors.CodeDeviceUnavailable, "device %s is %s", p.AssetTag, device.Status)
		}
		return nil, err
	}

	return json.Marshal(map[string]interface{}{
		"assetTag": p.AssetTag,
		"status":   repository.DeviceCheckedOut,
	})
}

// recordHistory 追加借出事件
func (s *CheckoutService) recordHistory(ctx context.Context, sc *saga.StepContext) (json.RawMessage, error) {
	p, err := decodePayload(sc.Payload)
	if err != nil {
		return nil, err
	}

	eventID, err := s.nextID()
	if err != nil {
		return nil, fmt.Errorf("generate event id: %w", err)
	}

	ev := &repository.HistoryEvent{
		EventID:       eventID,
		SessionID:     sc.Session.ID,
		AssetTag:      p.AssetTag,
		StudentNumber: p.StudentNumber,
		EventType:     repository.EventCheckout,
		ActorRef:      p.ActorRef,
		Detail:        p.Notes,
	}
	if err := s.history.Append(ctx, ev); err != nil {
		return nil, fmt.Errorf("append history: %w", err)
	}

	return json.Marshal(map[string]interface{}{
		"eventId": eventID,
	})
}

// createInsuranceFee 未选保险时跳过
func (s *CheckoutService) createInsuranceFee(ctx context.Context, sc *saga.StepContext) (json.RawMessage, error) {
	p, err := decodePayload(sc.Payload)
	if err != nil {
		return nil, err
	}
	if !p.InsuranceSelected {
		return nil, saga.Skip("no insurance selected")
	}

	amount := p.InsuranceCents
	if amount == 0 {
		amount = s.defaultInsuranceCents
	}

	entryID, err := s.nextID()
	if err != nil {
		return nil, fmt.Errorf("generate entry id: %w", err)
	}

	fee, err := s.fees.CreateFee(ctx, &repository.FeeEntry{
		EntryID:        entryID,
		SessionID:      sc.Session.ID,
		StudentNumber:  p.StudentNumber,
		AssetTag:       p.AssetTag,
		AmountCents:    amount,
		Status:         repository.FeeCreated,
		IdempotencyKey: saga.StepKey(sc.Session.ID, StepCreateInsuranceFee, sc.Session.PayloadHash),
	})
	if err != nil {
		return nil, fmt.Errorf("create insurance fee: %w", err)
	}

	return json.Marshal(map[string]interface{}{
		"entryId":     fee.EntryID,
		"amountCents": fee.AmountCents,
	})
}

// collectFeePayment 收取保险费；无费用则跳过
func (s *CheckoutService) collectFeePayment(ctx context.Context, sc *saga.StepContext) (json.RawMessage, error) {
	p, err := decodePayload(sc.Payload)
	if err != nil {
		return nil, err
	}
	if !p.InsuranceSelected {
		return nil, saga.Skip("no fee to collect")
	}

	fee, err := s.fees.GetFeeBySession(ctx, sc.Session.ID)
	if err != nil {
		if errors.Is(err, repository.ErrFeeNotFound) {
			return nil, cerrors.Newf(cerrors.CodeFeeNotFound, "no fee entry for session %s", sc.Session.ID)
		}
		return nil, err
	}

	if fee.Status != repository.FeeCollected {
		if err := s.fees.UpdateFeeStatus(ctx, fee.EntryID, repository.FeeCreated, repository.FeeCollected); err != nil {
			if errors.Is(err, repository.ErrFeeNotFound) {
				return nil, cerrors.Newf(cerrors.CodeFeeNotPayable, "fee entry %d is %s", fee.EntryID, fee.Status)
			}
			return nil, err
		}
	}

	return json.Marshal(map[string]interface{}{
		"entryId":     fee.EntryID,
		"amountCents": fee.AmountCents,
		"collected":   true,
	})
}

// generateAgreement 渲染借用协议；渲染端以幂等键保证文档 ID 稳定
func (s *CheckoutService) generateAgreement(ctx context.Context, sc *saga.StepContext) (json.RawMessage, error) {
	key := saga.StepKey(sc.Session.ID, StepGenerateAgreement, sc.Session.PayloadHash)

	resp, err := s.renderer.RenderAgreement(ctx, key, sc.Payload)
	if err != nil {
		return nil, cerrors.Newf(cerrors.CodeRenderFailure, "render agreement: %v", err)
	}

	return json.Marshal(map[string]interface{}{
		"documentId":  resp.DocumentID,
		"documentUrl": resp.DocumentURL,
	})
}

// notifyDirectory 目录通知走异步投递，入队失败按跳过记录，不阻塞会话
func (s *CheckoutService) notifyDirectory(ctx context.Context, sc *saga.StepContext) (json.RawMessage, error) {
	p, err := decodePayload(sc.Payload)
	if err != nil {
		return nil, err
	}

	serial := ""
	if validated, ok := sc.Results[StepValidateRequest]; ok {
		var v struct {
			SerialNumber string `json:"serialNumber"`
		}
		if json.Unmarshal(validated, &v) == nil {
			serial = v.SerialNumber
		}
	}

	msgID, err := s.publisher.Publish(ctx, s.notifyStream, &NotifyMessage{
		SessionID:     sc.Session.ID,
		AssetTag:      p.AssetTag,
		SerialNumber:  serial,
		AnnotatedUser: p.StudentNumber,
		Notes:         p.Notes,
	})
	if err != nil {
		s.log.WithContext(ctx).WithError(err).Warn("directory notify enqueue failed")
		return nil, saga.Skip(fmt.Sprintf("notify enqueue failed: %v", err))
	}

	return json.Marshal(map[string]interface{}{
		"enqueued": true,
		"msgId":    msgID,
	})
}
