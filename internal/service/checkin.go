package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/athena/checkout/internal/repository"
	cerrors "github.com/athena/checkout/pkg/errors"
)

// CheckinInput 归还输入
type CheckinInput struct {
	AssetTag string `json:"assetTag"`
	ActorRef string `json:"actorRef,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

// CheckinResult 归还结果
type CheckinResult struct {
	AssetTag      string `json:"assetTag"`
	StudentNumber string `json:"studentNumber"`
	EventID       int64  `json:"eventId"`
}

// Checkin 设备归还：状态翻转回 available 并记录历史。
// 普通 CRUD，不走会话状态机。
func (s *CheckoutService) Checkin(ctx context.Context, in *CheckinInput) (*CheckinResult, error) {
	if in.AssetTag == "" {
		return nil, cerrors.New(cerrors.CodeValidationFailed, "assetTag is required")
	}

	device, err := s.devices.GetDevice(ctx, in.AssetTag)
	if err != nil {
		if errors.Is(err, repository.ErrDeviceNotFound) {
			return nil, cerrors.Newf(cerrors.CodeDeviceNotFound, "device %s not found", in.AssetTag)
		}
		return nil, err
	}
	if device.Status != repository.DeviceCheckedOut {
		return nil, cerrors.Newf(cerrors.CodeStateConflict, "device %s is %s, not checked out", in.AssetTag, device.Status)
	}

	if err := s.devices.ReturnDevice(ctx, in.AssetTag); err != nil {
		if errors.Is(err, repository.ErrDeviceNotFound) {
			return nil, cerrors.Newf(cerrors.CodeStateConflict, "device %s changed state concurrently", in.AssetTag)
		}
		return nil, err
	}

	eventID, err := s.nextID()
	if err != nil {
		return nil, fmt.Errorf("generate event id: %w", err)
	}
	if err := s.history.Append(ctx, &repository.HistoryEvent{
		EventID:       eventID,
		AssetTag:      in.AssetTag,
		StudentNumber: device.AssignedStudent,
		EventType:     repository.EventCheckin,
		ActorRef:      in.ActorRef,
		Detail:        in.Notes,
	}); err != nil {
		return nil, fmt.Errorf("append history: %w", err)
	}

	// 清除目录标注，失败不影响归还
	if _, err := s.publisher.Publish(ctx, s.notifyStream, &NotifyMessage{
		AssetTag:      in.AssetTag,
		SerialNumber:  device.SerialNumber,
		AnnotatedUser: "",
		Notes:         "checked in",
	}); err != nil {
		s.log.WithContext(ctx).WithError(err).Warn("directory notify enqueue failed on checkin")
	}

	return &CheckinResult{
		AssetTag:      in.AssetTag,
		StudentNumber: device.AssignedStudent,
		EventID:       eventID,
	}, nil
}

// GetDevice 设备点查
func (s *CheckoutService) GetDevice(ctx context.Context, assetTag string) (*repository.Device, error) {
	device, err := s.devices.GetDevice(ctx, assetTag)
	if errors.Is(err, repository.ErrDeviceNotFound) {
		return nil, cerrors.Newf(cerrors.CodeDeviceNotFound, "device %s not found", assetTag)
	}
	return device, err
}

// GetStudent 学生点查
func (s *CheckoutService) GetStudent(ctx context.Context, studentNumber string) (*repository.Student, error) {
	student, err := s.students.GetStudent(ctx, studentNumber)
	if errors.Is(err, repository.ErrStudentNotFound) {
		return nil, cerrors.Newf(cerrors.CodeStudentNotFound, "student %s not found", studentNumber)
	}
	return student, err
}

// ListHistory 设备借还历史
func (s *CheckoutService) ListHistory(ctx context.Context, assetTag string, limit int) ([]*repository.HistoryEvent, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.history.ListByAsset(ctx, assetTag, limit)
}
