package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestGetDeviceScansNullableFields(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	repo := NewDeviceRepository(db)

	nowMs := time.Now().UnixMilli()
	mock.ExpectQuery("SELECT (.+) FROM checkout.devices").
		WithArgs("CB-1001").
		WillReturnRows(sqlmock.NewRows([]string{
			"asset_tag", "serial_number", "model", "status", "org_unit",
			"assigned_student", "notes", "create_time_ms", "update_time_ms",
		}).AddRow("CB-1001", "5CD9130XYZ", "HP Chromebook 11 G8", "available", "/Students",
			nil, nil, nowMs, nowMs))

	device, err := repo.GetDevice(context.Background(), "CB-1001")
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if device.Status != DeviceAvailable || device.AssignedStudent != "" {
		t.Fatalf("device = %+v", device)
	}
}

func TestAssignDeviceRequiresAvailableStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	repo := NewDeviceRepository(db)

	// 条件更新未命中：设备不存在或状态不是 available
	mock.ExpectExec("UPDATE checkout.devices").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.AssignDevice(context.Background(), "CB-1001", "S-42"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("err = %v, want ErrDeviceNotFound", err)
	}
}

func TestReturnDeviceFlipsCheckedOut(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	repo := NewDeviceRepository(db)

	mock.ExpectExec("UPDATE checkout.devices").
		WithArgs(DeviceAvailable, sqlmock.AnyArg(), "CB-1001", DeviceCheckedOut).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.ReturnDevice(context.Background(), "CB-1001"); err != nil {
		t.Fatalf("return device: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
