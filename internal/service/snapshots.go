package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/athena/checkout/internal/repository"
	"github.com/athena/checkout/internal/saga"
)

// studentSnapshot upsert_student 前像：记录学生记录是否已存在及其字段
type studentSnapshot struct {
	students StudentStore
}

type studentPreImage struct {
	Existed bool                `json:"existed"`
	Student *repository.Student `json:"student,omitempty"`
}

func (s *studentSnapshot) Capture(ctx context.Context, sc *saga.StepContext) (json.RawMessage, error) {
	p, err := decodePayload(sc.Payload)
	if err != nil {
		return nil, err
	}

	student, err := s.students.GetStudent(ctx, p.StudentNumber)
	if err != nil {
		if errors.Is(err, repository.ErrStudentNotFound) {
			return json.Marshal(&studentPreImage{Existed: false})
		}
		return nil, err
	}
	return json.Marshal(&studentPreImage{Existed: true, Student: student})
}

func (s *studentSnapshot) Restore(ctx context.Context, sc *saga.StepContext, entities json.RawMessage) error {
	var pre studentPreImage
	if err := json.Unmarshal(entities, &pre); err != nil {
		return fmt.Errorf("decode student pre-image: %w", err)
	}

	if !pre.Existed {
		err := s.students.DeleteStudent(ctx, sc.Session.StudentNumber)
		if errors.Is(err, repository.ErrStudentNotFound) {
			return nil
		}
		return err
	}
	return s.students.UpsertStudent(ctx, pre.Student)
}

// deviceSnapshot assign_device 前像：状态与借用人
type deviceSnapshot struct {
	devices DeviceStore
}

type devicePreImage struct {
	AssetTag        string `json:"assetTag"`
	Status          string `json:"status"`
	AssignedStudent string `json:"assignedStudent,omitempty"`
}

func (s *deviceSnapshot) Capture(ctx context.Context, sc *saga.StepContext) (json.RawMessage, error) {
	p, err := decodePayload(sc.Payload)
	if err != nil {
		return nil, err
	}

	device, err := s.devices.GetDevice(ctx, p.AssetTag)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&devicePreImage{
		AssetTag:        device.AssetTag,
		Status:          device.Status,
		AssignedStudent: device.AssignedStudent,
	})
}

func (s *deviceSnapshot) Restore(ctx context.Context, sc *saga.StepContext, entities json.RawMessage) error {
	var pre devicePreImage
	if err := json.Unmarshal(entities, &pre); err != nil {
		return fmt.Errorf("decode device pre-image: %w", err)
	}
	return s.devices.RestoreDeviceState(ctx, pre.AssetTag, pre.Status, pre.AssignedStudent)
}

// historySnapshot record_history 前像：事件此前不存在，恢复即删除本会话事件
type historySnapshot struct {
	history HistoryStore
}

func (s *historySnapshot) Capture(ctx context.Context, sc *saga.StepContext) (json.RawMessage, error) {
	return json.Marshal(map[string]string{"sessionId": sc.Session.ID})
}

func (s *historySnapshot) Restore(ctx context.Context, sc *saga.StepContext, entities json.RawMessage) error {
	return s.history.DeleteBySession(ctx, sc.Session.ID)
}

// feeCreateSnapshot create_insurance_fee 前像：条目此前不存在，恢复即删除
type feeCreateSnapshot struct {
	fees FeeStore
}

func (s *feeCreateSnapshot) Capture(ctx context.Context, sc *saga.StepContext) (json.RawMessage, error) {
	return json.Marshal(map[string]string{"sessionId": sc.Session.ID})
}

func (s *feeCreateSnapshot) Restore(ctx context.Context, sc *saga.StepContext, entities json.RawMessage) error {
	return s.fees.DeleteFeeBySession(ctx, sc.Session.ID)
}

// feeStatusSnapshot collect_fee_payment 前像：台账条目的状态
type feeStatusSnapshot struct {
	fees FeeStore
}

type feePreImage struct {
	Existed bool   `json:"existed"`
	EntryID int64  `json:"entryId,omitempty"`
	Status  string `json:"status,omitempty"`
}

func (s *feeStatusSnapshot) Capture(ctx context.Context, sc *saga.StepContext) (json.RawMessage, error) {
	fee, err := s.fees.GetFeeBySession(ctx, sc.Session.ID)
	if err != nil {
		if errors.Is(err, repository.ErrFeeNotFound) {
			return json.Marshal(&feePreImage{Existed: false})
		}
		return nil, err
	}
	return json.Marshal(&feePreImage{Existed: true, EntryID: fee.EntryID, Status: fee.Status})
}

func (s *feeStatusSnapshot) Restore(ctx context.Context, sc *saga.StepContext, entities json.RawMessage) error {
	var pre feePreImage
	if err := json.Unmarshal(entities, &pre); err != nil {
		return fmt.Errorf("decode fee pre-image: %w", err)
	}
	if !pre.Existed {
		return nil
	}
	err := s.fees.SetFeeStatus(ctx, pre.EntryID, pre.Status)
	if errors.Is(err, repository.ErrFeeNotFound) {
		// 条目已被 create 步骤的回滚删除
		return nil
	}
	return err
}
