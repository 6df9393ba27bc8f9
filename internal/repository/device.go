package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	ErrDeviceNotFound  = errors.New("device not found")
	ErrStudentNotFound = errors.New("student not found")
	ErrFeeNotFound     = errors.New("fee entry not found")
)

// 设备状态
const (
	DeviceAvailable  = "available"
	DeviceCheckedOut = "checked_out"
	DeviceRepair     = "repair"
	DeviceRetired    = "retired"
)

// Device 设备
type Device struct {
	AssetTag        string `json:"assetTag"`
	SerialNumber    string `json:"serialNumber"`
	Model           string `json:"model"`
	Status          string `json:"status"`
	OrgUnit         string `json:"orgUnit"`
	AssignedStudent string `json:"assignedStudent,omitempty"`
	Notes           string `json:"notes,omitempty"`
	CreateTimeMs    int64  `json:"createTimeMs"`
	UpdateTimeMs    int64  `json:"updateTimeMs"`
}

// DeviceRepository 设备仓储
type DeviceRepository struct {
	db *sql.DB
}

// NewDeviceRepository 创建仓储
func NewDeviceRepository(db *sql.DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

// GetDevice 获取设备
func (r *DeviceRepository) GetDevice(ctx context.Context, assetTag string) (*Device, error) {
	query := `
		SELECT asset_tag, serial_number, model, status, org_unit,
		       assigned_student, notes, create_time_ms, update_time_ms
		FROM checkout.devices
		WHERE asset_tag = $1
	`
	var (
		d               Device
		assignedStudent sql.NullString
		notes           sql.NullString
	)
	err := r.db.QueryRowContext(ctx, query, assetTag).Scan(
		&d.AssetTag, &d.SerialNumber, &d.Model, &d.Status, &d.OrgUnit,
		&assignedStudent, &notes, &d.CreateTimeMs, &d.UpdateTimeMs,
	)
	if err == sql.ErrNoRows {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan device: %w", err)
	}
	d.AssignedStudent = assignedStudent.String
	d.Notes = notes.String
	return &d, nil
}

// AssignDevice 将 available 设备借给学生；状态不符返回 ErrDeviceNotFound
// 由调用方区分不存在与不可借。
func (r *DeviceRepository) AssignDevice(ctx context.Context, assetTag, studentNumber string) error {
	query := `
		UPDATE checkout.devices
		SET status = $1, assigned_student = $2, update_time_ms = $3
		WHERE asset_tag = $4 AND status = $5
	`
	result, err := r.db.ExecContext(ctx, query,
		DeviceCheckedOut, studentNumber, time.Now().UnixMilli(), assetTag, DeviceAvailable)
	if err != nil {
		return fmt.Errorf("assign device: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// RestoreDeviceState 回滚用：定向恢复状态与借用人前像
func (r *DeviceRepository) RestoreDeviceState(ctx context.Context, assetTag, status, assignedStudent string) error {
	query := `
		UPDATE checkout.devices
		SET status = $1, assigned_student = $2, update_time_ms = $3
		WHERE asset_tag = $4
	`
	result, err := r.db.ExecContext(ctx, query,
		status, nullString(assignedStudent), time.Now().UnixMilli(), assetTag)
	if err != nil {
		return fmt.Errorf("restore device state: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// ReturnDevice 归还：checked_out 设备恢复 available
func (r *DeviceRepository) ReturnDevice(ctx context.Context, assetTag string) error {
	query := `
		UPDATE checkout.devices
		SET status = $1, assigned_student = NULL, update_time_ms = $2
		WHERE asset_tag = $3 AND status = $4
	`
	result, err := r.db.ExecContext(ctx, query,
		DeviceAvailable, time.Now().UnixMilli(), assetTag, DeviceCheckedOut)
	if err != nil {
		return fmt.Errorf("return device: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrDeviceNotFound
	}
	return nil
}
