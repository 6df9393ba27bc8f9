package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/athena/checkout/internal/client"
	"github.com/athena/checkout/internal/metrics"
	"github.com/athena/checkout/internal/repository"
	"github.com/athena/checkout/internal/saga"
	cerrors "github.com/athena/checkout/pkg/errors"
	"github.com/athena/checkout/pkg/logger"
)

// fakeDevices 内存设备表
type fakeDevices struct {
	mu      sync.Mutex
	devices map[string]*repository.Device
	// beforeAssign 在 AssignDevice 前调用，模拟并发状态翻转
	beforeAssign func()
}

func newFakeDevices(devices ...*repository.Device) *fakeDevices {
	f := &fakeDevices{devices: make(map[string]*repository.Device)}
	for _, d := range devices {
		f.devices[d.AssetTag] = d
	}
	return f
}

func (f *fakeDevices) GetDevice(_ context.Context, assetTag string) (*repository.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[assetTag]
	if !ok {
		return nil, repository.ErrDeviceNotFound
	}
	cp := *d
	return &cp, nil
}

func (f *fakeDevices) AssignDevice(_ context.Context, assetTag, studentNumber string) error {
	if f.beforeAssign != nil {
		f.beforeAssign()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[assetTag]
	if !ok || d.Status != repository.DeviceAvailable {
		return repository.ErrDeviceNotFound
	}
	d.Status = repository.DeviceCheckedOut
	d.AssignedStudent = studentNumber
	return nil
}

func (f *fakeDevices) RestoreDeviceState(_ context.Context, assetTag, status, assignedStudent string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[assetTag]
	if !ok {
		return repository.ErrDeviceNotFound
	}
	d.Status = status
	d.AssignedStudent = assignedStudent
	return nil
}

func (f *fakeDevices) ReturnDevice(_ context.Context, assetTag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[assetTag]
	if !ok || d.Status != repository.DeviceCheckedOut {
		return repository.ErrDeviceNotFound
	}
	d.Status = repository.DeviceAvailable
	d.AssignedStudent = ""
	return nil
}

type fakeStudents struct {
	mu       sync.Mutex
	students map[string]*repository.Student
}

func newFakeStudents() *fakeStudents {
	return &fakeStudents{students: make(map[string]*repository.Student)}
}

func (f *fakeStudents) GetStudent(_ context.Context, studentNumber string) (*repository.Student, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.students[studentNumber]
	if !ok {
		return nil, repository.ErrStudentNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStudents) UpsertStudent(_ context.Context, s *repository.Student) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.students[s.StudentNumber] = &cp
	return nil
}

func (f *fakeStudents) DeleteStudent(_ context.Context, studentNumber string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.students[studentNumber]; !ok {
		return repository.ErrStudentNotFound
	}
	delete(f.students, studentNumber)
	return nil
}

type fakeFees struct {
	mu   sync.Mutex
	fees map[string]*repository.FeeEntry // by session
}

func newFakeFees() *fakeFees {
	return &fakeFees{fees: make(map[string]*repository.FeeEntry)}
}

func (f *fakeFees) CreateFee(_ context.Context, fee *repository.FeeEntry) (*repository.FeeEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.fees[fee.SessionID]; ok && existing.IdempotencyKey == fee.IdempotencyKey {
		cp := *existing
		return &cp, nil
	}
	cp := *fee
	f.fees[fee.SessionID] = &cp
	out := cp
	return &out, nil
}

func (f *fakeFees) GetFeeBySession(_ context.Context, sessionID string) (*repository.FeeEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fee, ok := f.fees[sessionID]
	if !ok {
		return nil, repository.ErrFeeNotFound
	}
	cp := *fee
	return &cp, nil
}

func (f *fakeFees) UpdateFeeStatus(_ context.Context, entryID int64, from, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fee := range f.fees {
		if fee.EntryID == entryID && fee.Status == from {
			fee.Status = to
			return nil
		}
	}
	return repository.ErrFeeNotFound
}

func (f *fakeFees) SetFeeStatus(_ context.Context, entryID int64, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fee := range f.fees {
		if fee.EntryID == entryID {
			fee.Status = status
			return nil
		}
	}
	return repository.ErrFeeNotFound
}

func (f *fakeFees) DeleteFeeBySession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.fees, sessionID)
	return nil
}

type fakeHistory struct {
	mu     sync.Mutex
	events []*repository.HistoryEvent
}

func (f *fakeHistory) Append(_ context.Context, ev *repository.HistoryEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *ev
	f.events = append(f.events, &cp)
	return nil
}

func (f *fakeHistory) ListByAsset(_ context.Context, assetTag string, limit int) ([]*repository.HistoryEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*repository.HistoryEvent
	for i := len(f.events) - 1; i >= 0 && len(out) < limit; i-- {
		if f.events[i].AssetTag == assetTag {
			cp := *f.events[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeHistory) DeleteBySession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.events[:0]
	for _, ev := range f.events {
		if ev.SessionID != sessionID {
			kept = append(kept, ev)
		}
	}
	f.events = kept
	return nil
}

type fakeRenderer struct {
	mu       sync.Mutex
	calls    int
	failures int
}

func (f *fakeRenderer) RenderAgreement(_ context.Context, idempotencyKey string, _ json.RawMessage) (*client.RenderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("renderer unavailable")
	}
	return &client.RenderResponse{
		DocumentID:  "doc-" + idempotencyKey[:8],
		DocumentURL: "https://docs.example/doc-" + idempotencyKey[:8],
	}, nil
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []NotifyMessage
	fail     bool
}

func (f *fakePublisher) Publish(_ context.Context, _ string, msg interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", errors.New("stream unavailable")
	}
	m, ok := msg.(*NotifyMessage)
	if !ok {
		return "", errors.New("unexpected message type")
	}
	f.messages = append(f.messages, *m)
	return fmt.Sprintf("0-%d", len(f.messages)), nil
}

// memSessionStore 内存会话存储，覆盖会话状态机所需语义
type memSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*saga.Session
	steps    map[string][]*saga.StepRecord
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{
		sessions: make(map[string]*saga.Session),
		steps:    make(map[string][]*saga.StepRecord),
	}
}

func (s *memSessionStore) CreateSession(_ context.Context, sess *saga.Session, steps []*saga.StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return saga.ErrSessionExists
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	recs := make([]*saga.StepRecord, len(steps))
	for i, r := range steps {
		rc := *r
		recs[i] = &rc
	}
	s.steps[sess.ID] = recs
	return nil
}

func (s *memSessionStore) GetSession(_ context.Context, sessionID string) (*saga.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, saga.ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *memSessionStore) UpdateSessionStatus(_ context.Context, sessionID string, status saga.SessionStatus, currentStep, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return saga.ErrSessionNotFound
	}
	sess.Status = status
	sess.CurrentStep = currentStep
	sess.ErrorMessage = errorMessage
	return nil
}

func (s *memSessionStore) ListSteps(_ context.Context, sessionID string) ([]*saga.StepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.steps[sessionID]
	out := make([]*saga.StepRecord, len(recs))
	for i, r := range recs {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}

func (s *memSessionStore) GetStep(_ context.Context, sessionID, stepName string) (*saga.StepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.find(sessionID, stepName)
	if r == nil {
		return nil, saga.ErrStepNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *memSessionStore) ClaimStep(_ context.Context, sessionID, stepName string, deadlineMs int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.find(sessionID, stepName)
	if r == nil {
		return false, saga.ErrStepNotFound
	}
	now := time.Now().UnixMilli()
	expired := r.Status == saga.StepProcessing && r.ProcessingDeadlineMs > 0 && r.ProcessingDeadlineMs < now
	if r.Status != saga.StepPending && !expired {
		return false, nil
	}
	r.Status = saga.StepProcessing
	r.ProcessingDeadlineMs = deadlineMs
	return true, nil
}

func (s *memSessionStore) CompleteStep(_ context.Context, sessionID, stepName string, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.find(sessionID, stepName)
	if r == nil {
		return saga.ErrStepNotFound
	}
	if r.Status.Done() || r.Status == saga.StepRolledBack || r.Status == saga.StepCancelled {
		return nil
	}
	r.Status = saga.StepCompleted
	r.ResultData = result
	r.CompleteTimeMs = time.Now().UnixMilli()
	return nil
}

func (s *memSessionStore) SkipStep(_ context.Context, sessionID, stepName, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.find(sessionID, stepName)
	if r == nil {
		return saga.ErrStepNotFound
	}
	r.Status = saga.StepSkipped
	r.SkipReason = reason
	r.CompleteTimeMs = time.Now().UnixMilli()
	return nil
}

func (s *memSessionStore) FailStep(_ context.Context, sessionID, stepName, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.find(sessionID, stepName)
	if r == nil {
		return saga.ErrStepNotFound
	}
	r.Status = saga.StepFailed
	r.ErrorMessage = errorMessage
	return nil
}

func (s *memSessionStore) ReleaseStep(_ context.Context, sessionID, stepName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.find(sessionID, stepName)
	if r == nil || r.Status != saga.StepProcessing {
		return nil
	}
	r.Status = saga.StepPending
	r.ProcessingDeadlineMs = 0
	return nil
}

func (s *memSessionStore) ResetStepForRetry(_ context.Context, sessionID, stepName string, nowMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.find(sessionID, stepName)
	if r == nil {
		return saga.ErrStepNotFound
	}
	expired := r.Status == saga.StepProcessing && r.ProcessingDeadlineMs > 0 && r.ProcessingDeadlineMs < nowMs
	if r.Status != saga.StepFailed && !expired {
		return saga.ErrStepNotRetryable
	}
	r.Status = saga.StepPending
	r.RetryCount++
	r.ProcessingDeadlineMs = 0
	r.ErrorMessage = ""
	return nil
}

func (s *memSessionStore) MarkStepRolledBack(_ context.Context, sessionID, stepName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.find(sessionID, stepName)
	if r == nil || r.Status != saga.StepCompleted {
		return saga.ErrStepNotFound
	}
	r.Status = saga.StepRolledBack
	return nil
}

func (s *memSessionStore) CancelOpenSteps(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.steps[sessionID] {
		if r.Status == saga.StepPending || r.Status == saga.StepProcessing {
			r.Status = saga.StepCancelled
		}
	}
	return nil
}

func (s *memSessionStore) ListCompletedStepsDesc(_ context.Context, sessionID string) ([]*saga.StepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*saga.StepRecord
	recs := s.steps[sessionID]
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].Status == saga.StepCompleted {
			cp := *recs[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memSessionStore) RequeueExpiredProcessing(_ context.Context, nowMs int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, recs := range s.steps {
		for _, r := range recs {
			if r.Status == saga.StepProcessing && r.ProcessingDeadlineMs > 0 && r.ProcessingDeadlineMs < nowMs {
				r.Status = saga.StepPending
				r.RetryCount++
				n++
			}
		}
	}
	return n, nil
}

func (s *memSessionStore) find(sessionID, stepName string) *saga.StepRecord {
	for _, r := range s.steps[sessionID] {
		if r.StepName == stepName {
			return r
		}
	}
	return nil
}

type memSnapshotStore struct {
	mu    sync.Mutex
	snaps map[string]*saga.Snapshot
}

func newMemSnapshotStore() *memSnapshotStore {
	return &memSnapshotStore{snaps: make(map[string]*saga.Snapshot)}
}

func (s *memSnapshotStore) Save(_ context.Context, snap *saga.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *snap
	s.snaps[snap.SessionID+"/"+snap.StepName] = &cp
	return nil
}

func (s *memSnapshotStore) Get(_ context.Context, sessionID, stepName string) (*saga.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[sessionID+"/"+stepName]
	if !ok {
		return nil, saga.ErrSnapshotNotFound
	}
	return snap, nil
}

type memResultStore struct {
	mu      sync.Mutex
	results map[string]json.RawMessage
}

func newMemResultStore() *memResultStore {
	return &memResultStore{results: make(map[string]json.RawMessage)}
}

func (s *memResultStore) GetCompleted(_ context.Context, key string) (json.RawMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[key]
	return r, ok, nil
}

func (s *memResultStore) Complete(_ context.Context, key, _ string, result json.RawMessage, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[key] = result
	return nil
}

func (s *memResultStore) Fail(_ context.Context, _, _, _ string, _ time.Duration) error {
	return nil
}

type checkoutEnv struct {
	svc       *CheckoutService
	manager   *saga.Manager
	devices   *fakeDevices
	students  *fakeStudents
	fees      *fakeFees
	history   *fakeHistory
	renderer  *fakeRenderer
	publisher *fakePublisher
}

func newCheckoutEnv(t *testing.T, devices *fakeDevices) *checkoutEnv {
	t.Helper()
	log := logger.New("test", io.Discard)
	m := metrics.New()

	students := newFakeStudents()
	fees := newFakeFees()
	history := &fakeHistory{}
	renderer := &fakeRenderer{}
	publisher := &fakePublisher{}

	var seq int64
	svc := NewCheckoutService(devices, students, fees, history, renderer, publisher, log, m, Config{
		DefaultInsuranceCents: 2500,
		NextID: func() (int64, error) {
			seq++
			return seq, nil
		},
	})

	reg := svc.Registry()
	store := newMemSessionStore()
	snaps := newMemSnapshotStore()
	results := newMemResultStore()
	rb := saga.NewRollback(reg, store, snaps, log, m)
	exec := saga.NewExecutor(reg, store, snaps, results, rb, log, m, saga.DefaultExecutorConfig)

	return &checkoutEnv{
		svc:       svc,
		manager:   saga.NewManager(reg, store, exec, log, m),
		devices:   devices,
		students:  students,
		fees:      fees,
		history:   history,
		renderer:  renderer,
		publisher: publisher,
	}
}

func availableDevice() *repository.Device {
	return &repository.Device{
		AssetTag:     "CB-1001",
		SerialNumber: "5CD9130XYZ",
		Model:        "HP Chromebook 11 G8",
		Status:       repository.DeviceAvailable,
		OrgUnit:      "/Students",
	}
}

func startCheckout(t *testing.T, env *checkoutEnv, p *CheckoutPayload) *saga.Session {
	t.Helper()
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	sess, _, err := env.manager.Start(context.Background(), saga.StartInput{
		AssetTag:      p.AssetTag,
		StudentNumber: p.StudentNumber,
		ActorRef:      p.ActorRef,
		Payload:       raw,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return sess
}

func basePayload() *CheckoutPayload {
	return &CheckoutPayload{
		AssetTag:      "CB-1001",
		StudentNumber: "S-42",
		ActorRef:      "staff:jkim",
		FirstName:     "Ana",
		LastName:      "Ruiz",
		Grade:         "7",
		SchoolCode:    "MS-EAST",
		GuardianEmail: "guardian@example.org",
	}
}

func TestCheckoutHappyPathWithInsurance(t *testing.T) {
	env := newCheckoutEnv(t, newFakeDevices(availableDevice()))
	p := basePayload()
	p.InsuranceSelected = true
	sess := startCheckout(t, env, p)

	view, err := env.manager.RunToCompletion(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if view.Status != saga.SessionCompleted {
		t.Fatalf("session status = %s (%s)", view.Status, view.ErrorMessage)
	}

	device, _ := env.devices.GetDevice(context.Background(), "CB-1001")
	if device.Status != repository.DeviceCheckedOut || device.AssignedStudent != "S-42" {
		t.Fatalf("device = %+v, want checked_out by S-42", device)
	}
	if _, err := env.students.GetStudent(context.Background(), "S-42"); err != nil {
		t.Fatalf("student not created: %v", err)
	}

	fee, err := env.fees.GetFeeBySession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("fee not created: %v", err)
	}
	if fee.Status != repository.FeeCollected {
		t.Fatalf("fee status = %s, want collected", fee.Status)
	}
	if fee.AmountCents != 2500 {
		t.Fatalf("fee amount = %d, want default 2500", fee.AmountCents)
	}

	if len(env.history.events) != 1 || env.history.events[0].EventType != repository.EventCheckout {
		t.Fatalf("history = %+v", env.history.events)
	}
	if env.renderer.calls != 1 {
		t.Fatalf("renderer calls = %d", env.renderer.calls)
	}
	if len(env.publisher.messages) != 1 {
		t.Fatalf("notify messages = %d", len(env.publisher.messages))
	}
	if msg := env.publisher.messages[0]; msg.SerialNumber != "5CD9130XYZ" || msg.AnnotatedUser != "S-42" {
		t.Fatalf("notify message = %+v", msg)
	}
}

func TestCheckoutWithoutInsuranceSkipsFeeSteps(t *testing.T) {
	env := newCheckoutEnv(t, newFakeDevices(availableDevice()))
	sess := startCheckout(t, env, basePayload())

	view, err := env.manager.RunToCompletion(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if view.Status != saga.SessionCompleted {
		t.Fatalf("session status = %s (%s)", view.Status, view.ErrorMessage)
	}

	for _, sv := range view.Steps {
		switch sv.StepName {
		case StepCreateInsuranceFee, StepCollectFeePayment:
			if sv.Status != saga.StepSkipped {
				t.Fatalf("step %s status = %s, want skipped", sv.StepName, sv.Status)
			}
		default:
			if !sv.Status.Done() {
				t.Fatalf("step %s status = %s", sv.StepName, sv.Status)
			}
		}
	}
	if _, err := env.fees.GetFeeBySession(context.Background(), sess.ID); !errors.Is(err, repository.ErrFeeNotFound) {
		t.Fatalf("no fee entry expected, got err=%v", err)
	}
}

func TestRenderFailsOnceThenRetrySucceeds(t *testing.T) {
	env := newCheckoutEnv(t, newFakeDevices(availableDevice()))
	env.renderer.failures = 1
	sess := startCheckout(t, env, basePayload())

	view, err := env.manager.RunToCompletion(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if view.Status != saga.SessionInProgress {
		t.Fatalf("session status = %s, want in_progress after render failure", view.Status)
	}

	// 渲染失败不触发回滚，设备保持已借出
	device, _ := env.devices.GetDevice(context.Background(), "CB-1001")
	if device.Status != repository.DeviceCheckedOut {
		t.Fatalf("device status = %s, render failure must not unwind", device.Status)
	}

	out, err := env.manager.Retry(context.Background(), sess.ID, StepGenerateAgreement)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if out.Status != saga.StepCompleted || out.RetryCount != 1 {
		t.Fatalf("retry outcome = %+v, want completed with retryCount 1", out)
	}

	view, err = env.manager.RunToCompletion(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if view.Status != saga.SessionCompleted {
		t.Fatalf("session status = %s (%s)", view.Status, view.ErrorMessage)
	}
	if env.renderer.calls != 2 {
		t.Fatalf("renderer calls = %d, want 2", env.renderer.calls)
	}
}

func TestAssignConflictRollsBackStudentUpsert(t *testing.T) {
	devices := newFakeDevices(availableDevice())
	env := newCheckoutEnv(t, devices)

	// validate 通过后、assign 执行前设备被其他流程借走
	devices.beforeAssign = func() {
		devices.mu.Lock()
		devices.devices["CB-1001"].Status = repository.DeviceCheckedOut
		devices.devices["CB-1001"].AssignedStudent = "S-99"
		devices.mu.Unlock()
	}

	sess := startCheckout(t, env, basePayload())
	view, err := env.manager.RunToCompletion(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if view.Status != saga.SessionRollbackCompleted {
		t.Fatalf("session status = %s (%s)", view.Status, view.ErrorMessage)
	}

	// 本流程创建的学生记录被回滚删除
	if _, err := env.students.GetStudent(context.Background(), "S-42"); !errors.Is(err, repository.ErrStudentNotFound) {
		t.Fatalf("student must be removed by rollback, err=%v", err)
	}
	for _, sv := range view.Steps {
		switch sv.StepName {
		case StepUpsertStudent:
			if sv.Status != saga.StepRolledBack {
				t.Fatalf("upsert_student status = %s", sv.Status)
			}
		case StepAssignDevice:
			if sv.Status != saga.StepFailed {
				t.Fatalf("assign_device status = %s", sv.Status)
			}
		}
	}
}

func TestValidateFailsWhenDeviceUnavailable(t *testing.T) {
	d := availableDevice()
	d.Status = repository.DeviceRepair
	env := newCheckoutEnv(t, newFakeDevices(d))
	sess := startCheckout(t, env, basePayload())

	out, err := env.manager.Advance(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if out.Err == nil || out.Err.Code != cerrors.CodeDeviceUnavailable {
		t.Fatalf("outcome err = %v, want DEVICE_UNAVAILABLE", out.Err)
	}
	// 无已完成步骤可回退，会话直接失败
	if out.SessionStatus != saga.SessionFailed {
		t.Fatalf("session status = %s, want failed", out.SessionStatus)
	}
	if _, err := env.students.GetStudent(context.Background(), "S-42"); !errors.Is(err, repository.ErrStudentNotFound) {
		t.Fatalf("nothing should have been written, err=%v", err)
	}
}

func TestValidateReportsMissingFields(t *testing.T) {
	env := newCheckoutEnv(t, newFakeDevices(availableDevice()))
	p := basePayload()
	p.FirstName = ""
	p.LastName = ""
	sess := startCheckout(t, env, p)

	out, err := env.manager.Advance(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if out.Err == nil || out.Err.Code != cerrors.CodeValidationFailed {
		t.Fatalf("outcome err = %v", out.Err)
	}
}

func TestNotifyEnqueueFailureIsSkippedNotFailed(t *testing.T) {
	env := newCheckoutEnv(t, newFakeDevices(availableDevice()))
	env.publisher.fail = true
	sess := startCheckout(t, env, basePayload())

	view, err := env.manager.RunToCompletion(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if view.Status != saga.SessionCompleted {
		t.Fatalf("session status = %s, notify failure must not block completion", view.Status)
	}
	for _, sv := range view.Steps {
		if sv.StepName == StepNotifyDirectory {
			if sv.Status != saga.StepSkipped || sv.SkipReason == "" {
				t.Fatalf("notify step = %+v, want skipped with reason", sv)
			}
		}
	}
}

func TestCollectFeeToleratesReplayAfterCollection(t *testing.T) {
	env := newCheckoutEnv(t, newFakeDevices(availableDevice()))
	p := basePayload()
	p.InsuranceSelected = true
	p.InsuranceCents = 4000
	sess := startCheckout(t, env, p)

	view, err := env.manager.RunToCompletion(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if view.Status != saga.SessionCompleted {
		t.Fatalf("session status = %s", view.Status)
	}

	// 已收取后再次调用处理函数不得重复收费或报错
	fee, _ := env.fees.GetFeeBySession(context.Background(), sess.ID)
	if fee.AmountCents != 4000 || fee.Status != repository.FeeCollected {
		t.Fatalf("fee = %+v", fee)
	}
	raw, _ := json.Marshal(p)
	result, err := env.svc.collectFeePayment(context.Background(), &saga.StepContext{
		Session: &saga.Session{ID: sess.ID, PayloadHash: saga.HashPayload(raw)},
		Payload: raw,
	})
	if err != nil {
		t.Fatalf("replayed collect: %v", err)
	}
	var v struct {
		Collected bool `json:"collected"`
	}
	if json.Unmarshal(result, &v) != nil || !v.Collected {
		t.Fatalf("replayed collect result = %s", result)
	}
}

func TestCheckinReturnsDeviceAndAppendsHistory(t *testing.T) {
	d := availableDevice()
	d.Status = repository.DeviceCheckedOut
	d.AssignedStudent = "S-42"
	env := newCheckoutEnv(t, newFakeDevices(d))

	result, err := env.svc.Checkin(context.Background(), &CheckinInput{
		AssetTag: "CB-1001",
		ActorRef: "staff:jkim",
		Notes:    "returned in good condition",
	})
	if err != nil {
		t.Fatalf("checkin: %v", err)
	}
	if result.StudentNumber != "S-42" {
		t.Fatalf("result = %+v", result)
	}

	device, _ := env.devices.GetDevice(context.Background(), "CB-1001")
	if device.Status != repository.DeviceAvailable || device.AssignedStudent != "" {
		t.Fatalf("device = %+v, want available and unassigned", device)
	}
	if len(env.history.events) != 1 || env.history.events[0].EventType != repository.EventCheckin {
		t.Fatalf("history = %+v", env.history.events)
	}
	if len(env.publisher.messages) != 1 || env.publisher.messages[0].AnnotatedUser != "" {
		t.Fatalf("notify messages = %+v", env.publisher.messages)
	}
}

func TestCheckinRejectsAvailableDevice(t *testing.T) {
	env := newCheckoutEnv(t, newFakeDevices(availableDevice()))

	_, err := env.svc.Checkin(context.Background(), &CheckinInput{AssetTag: "CB-1001"})
	var be *cerrors.Error
	if !errors.As(err, &be) || be.Code != cerrors.CodeStateConflict {
		t.Fatalf("expected STATE_CONFLICT, got %v", err)
	}
}
