package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Student 借用人
type Student struct {
	StudentNumber string `json:"studentNumber"`
	FirstName     string `json:"firstName"`
	LastName      string `json:"lastName"`
	Grade         string `json:"grade"`
	SchoolCode    string `json:"schoolCode"`
	Email         string `json:"email,omitempty"`
	GuardianEmail string `json:"guardianEmail,omitempty"`
	Active        bool   `json:"active"`
	CreateTimeMs  int64  `json:"createTimeMs"`
	UpdateTimeMs  int64  `json:"updateTimeMs"`
}

// StudentRepository 学生仓储
type StudentRepository struct {
	db *sql.DB
}

// NewStudentRepository 创建仓储
func NewStudentRepository(db *sql.DB) *StudentRepository {
	return &StudentRepository{db: db}
}

// GetStudent 获取学生
func (r *StudentRepository) GetStudent(ctx context.Context, studentNumber string) (*Student, error) {
	query := `
		SELECT student_number, first_name, last_name, grade, school_code,
		       email, guardian_email, active, create_time_ms, update_time_ms
		FROM checkout.students
		WHERE student_number = $1
	`
	var (
		s             Student
		email         sql.NullString
		guardianEmail sql.NullString
	)
	err := r.db.QueryRowContext(ctx, query, studentNumber).Scan(
		&s.StudentNumber, &s.FirstName, &s.LastName, &s.Grade, &s.SchoolCode,
		&email, &guardianEmail, &s.Active, &s.CreateTimeMs, &s.UpdateTimeMs,
	)
	if err == sql.ErrNoRows {
		return nil, ErrStudentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan student: %w", err)
	}
	s.Email = email.String
	s.GuardianEmail = guardianEmail.String
	return &s, nil
}

// UpsertStudent 创建或更新借用人记录
func (r *StudentRepository) UpsertStudent(ctx context.Context, s *Student) error {
	nowMs := time.Now().UnixMilli()
	query := `
		INSERT INTO checkout.students
		(student_number, first_name, last_name, grade, school_code,
		 email, guardian_email, active, create_time_ms, update_time_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (student_number)
		DO UPDATE SET first_name = EXCLUDED.first_name, last_name = EXCLUDED.last_name,
		              grade = EXCLUDED.grade, school_code = EXCLUDED.school_code,
		              email = EXCLUDED.email, guardian_email = EXCLUDED.guardian_email,
		              active = EXCLUDED.active, update_time_ms = EXCLUDED.update_time_ms
	`
	_, err := r.db.ExecContext(ctx, query,
		s.StudentNumber, s.FirstName, s.LastName, s.Grade, s.SchoolCode,
		nullString(s.Email), nullString(s.GuardianEmail), s.Active, nowMs)
	if err != nil {
		return fmt.Errorf("upsert student: %w", err)
	}
	return nil
}

// DeleteStudent 回滚用：移除本流程创建的学生记录
func (r *StudentRepository) DeleteStudent(ctx context.Context, studentNumber string) error {
	query := `DELETE FROM checkout.students WHERE student_number = $1`
	result, err := r.db.ExecContext(ctx, query, studentNumber)
	if err != nil {
		return fmt.Errorf("delete student: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrStudentNotFound
	}
	return nil
}
