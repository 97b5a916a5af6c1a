package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	appErrors "github.com/Lookout84/toagro-backend-sub000/internal/errors"
	"github.com/Lookout84/toagro-backend-sub000/internal/model"
	"github.com/Lookout84/toagro-backend-sub000/internal/queue"
	"github.com/Lookout84/toagro-backend-sub000/internal/service"
)

// --- Mock task repository (in-memory, same guard semantics as SQL) ---

type counterDelta struct {
	sent   int
	failed int
}

type mockTaskRepo struct {
	mu         sync.Mutex
	tasks      map[string]*model.BulkNotificationTask
	increments []counterDelta

	incrementCalls  int
	failIncrementOn int // 1-based call index that errors, 0 = never

	// hooks run outside the lock, after the store mutation
	afterGet       func(id string)
	afterIncrement func(id string)
}

func newMockTaskRepo() *mockTaskRepo {
	return &mockTaskRepo{tasks: map[string]*model.BulkNotificationTask{}}
}

func (m *mockTaskRepo) Create(t *model.BulkNotificationTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

func (m *mockTaskRepo) GetByID(id string) (*model.BulkNotificationTask, error) {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return nil, appErrors.NewTaskNotFound(id)
	}
	cp := *t
	hook := m.afterGet
	m.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	return &cp, nil
}

func (m *mockTaskRepo) ListActive() ([]*model.BulkNotificationTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*model.BulkNotificationTask{}
	for _, t := range m.tasks {
		if t.Status == model.StatusPending || t.Status == model.StatusProcessing {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockTaskRepo) ListStaleProcessing(cutoff time.Time) ([]*model.BulkNotificationTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*model.BulkNotificationTask{}
	for _, t := range m.tasks {
		if t.Status == model.StatusProcessing && t.UpdatedAt.Before(cutoff) {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockTaskRepo) MarkProcessing(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return appErrors.NewTaskNotFound(id)
	}
	if t.Status != model.StatusPending {
		return appErrors.NewInvalidStatusTransition(id, t.Status)
	}
	now := time.Now()
	t.Status = model.StatusProcessing
	t.StartedAt = &now
	t.UpdatedAt = now
	return nil
}

func (m *mockTaskRepo) IncrementCounters(id string, sentDelta, failedDelta int) error {
	m.mu.Lock()
	m.incrementCalls++
	if m.failIncrementOn != 0 && m.incrementCalls == m.failIncrementOn {
		m.mu.Unlock()
		return fmt.Errorf("counter write lost: connection reset")
	}
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return appErrors.NewTaskNotFound(id)
	}
	t.TotalSent += sentDelta
	t.TotalFailed += failedDelta
	t.UpdatedAt = time.Now()
	m.increments = append(m.increments, counterDelta{sent: sentDelta, failed: failedDelta})
	hook := m.afterIncrement
	m.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	return nil
}

func (m *mockTaskRepo) MarkCompleted(id string) error {
	return m.finish(id, model.StatusCompleted)
}

func (m *mockTaskRepo) MarkFailed(id string) error {
	return m.finish(id, model.StatusFailed)
}

func (m *mockTaskRepo) finish(id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return appErrors.NewTaskNotFound(id)
	}
	if t.Status != model.StatusProcessing {
		return appErrors.NewInvalidStatusTransition(id, t.Status)
	}
	now := time.Now()
	t.Status = status
	t.CompletedAt = &now
	t.UpdatedAt = now
	return nil
}

func (m *mockTaskRepo) MarkCancelled(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.IsTerminal() {
		return false, nil
	}
	now := time.Now()
	t.Status = model.StatusCancelled
	t.CompletedAt = &now
	t.UpdatedAt = now
	return true, nil
}

func (m *mockTaskRepo) deltas() []counterDelta {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]counterDelta, len(m.increments))
	copy(out, m.increments)
	return out
}

// --- Mock queue (records payloads, never delivers on its own) ---

type mockQueue struct {
	mu        sync.Mutex
	published [][]byte
}

func (q *mockQueue) Publish(topic string, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.published = append(q.published, payload)
	return nil
}

func (q *mockQueue) Subscribe(topic string, handler func(payload []byte) error) error {
	return nil
}

// --- helpers ---

func newTestService(repo *mockTaskRepo, users *fakeUserDirectory, email *fakeEmailSender, sms *fakeSmsSender, push *fakePushSender) *service.NotificationService {
	if email == nil {
		email = &fakeEmailSender{}
	}
	if sms == nil {
		sms = &fakeSmsSender{}
	}
	if push == nil {
		push = &fakePushSender{}
	}
	return &service.NotificationService{
		TaskRepo: repo,
		UserRepo: users,
		Queue:    &mockQueue{},
		Processor: &service.BatchProcessor{
			UserRepo: users,
			Email:    email,
			Sms:      sms,
			Push:     push,
		},
		BatchSize:  100,
		BatchDelay: time.Millisecond,
	}
}

func emailRecipients(n int) []model.Recipient {
	out := make([]model.Recipient, n)
	for i := range out {
		out[i] = model.Recipient{
			ID:    fmt.Sprintf("u-%03d", i),
			Email: fmt.Sprintf("user%03d@example.com", i),
			Name:  fmt.Sprintf("User %d", i),
		}
	}
	return out
}

// --- Tests ---

func TestEnqueuePersistsBeforePublishing(t *testing.T) {
	repo := newMockTaskRepo()
	q := &mockQueue{}
	svc := newTestService(repo, &fakeUserDirectory{}, nil, nil, nil)
	svc.Queue = q

	role := "USER"
	taskID, err := svc.EnqueueBulkEmail("Hello", "Hi {{name}}", "admin-1", &model.RecipientFilter{Role: &role}, nil)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	task, err := repo.GetByID(taskID)
	if err != nil {
		t.Fatalf("task was not persisted: %v", err)
	}
	if task.Status != model.StatusPending {
		t.Errorf("expected pending, got %s", task.Status)
	}
	if task.Channel != model.ChannelEmail {
		t.Errorf("expected email channel, got %s", task.Channel)
	}
	if task.Filter == nil || task.Filter.Role == nil || *task.Filter.Role != "USER" {
		t.Errorf("filter did not survive persistence: %+v", task.Filter)
	}

	if len(q.published) != 1 {
		t.Fatalf("expected 1 published message, got %d", len(q.published))
	}
	msg, err := queue.UnmarshalTaskMessage(q.published[0])
	if err != nil {
		t.Fatalf("bad queue payload: %v", err)
	}
	if msg.TaskID != taskID {
		t.Errorf("queue payload carries wrong task id: %s", msg.TaskID)
	}
}

func TestProcessTaskEmptyRecipientsCompletesImmediately(t *testing.T) {
	repo := newMockTaskRepo()
	svc := newTestService(repo, &fakeUserDirectory{recipients: []model.Recipient{}}, nil, nil, nil)

	taskID, _ := svc.EnqueueBulkEmail("s", "b", "admin-1", nil, nil)
	if err := svc.ProcessTask(context.Background(), taskID); err != nil {
		t.Fatalf("process failed: %v", err)
	}

	task, _ := repo.GetByID(taskID)
	if task.Status != model.StatusCompleted {
		t.Errorf("expected completed, got %s", task.Status)
	}
	if task.TotalSent != 0 || task.TotalFailed != 0 {
		t.Errorf("expected zero counters, got %d / %d", task.TotalSent, task.TotalFailed)
	}
	if len(repo.deltas()) != 0 {
		t.Errorf("no batch should be processed for an empty recipient set")
	}
}

// Scenario: 250 verified users with email addresses, batch size 100.
// Expect exactly 3 batches (100, 100, 50), completed, 250 sent / 0 failed.
func TestProcessTaskBatchesOf250(t *testing.T) {
	repo := newMockTaskRepo()
	email := &fakeEmailSender{}
	verified := true
	role := "USER"
	svc := newTestService(repo, &fakeUserDirectory{recipients: emailRecipients(250)}, email, nil, nil)

	taskID, _ := svc.EnqueueBulkEmail("Hello", "Hi {{name}}", "admin-1",
		&model.RecipientFilter{Role: &role, IsVerified: &verified}, nil)

	if err := svc.ProcessTask(context.Background(), taskID); err != nil {
		t.Fatalf("process failed: %v", err)
	}

	task, _ := repo.GetByID(taskID)
	if task.Status != model.StatusCompleted {
		t.Errorf("expected completed, got %s", task.Status)
	}
	if task.TotalSent != 250 || task.TotalFailed != 0 {
		t.Errorf("expected 250 / 0, got %d / %d", task.TotalSent, task.TotalFailed)
	}
	if task.StartedAt == nil || task.CompletedAt == nil {
		t.Errorf("expected started_at and completed_at to be stamped")
	}

	deltas := repo.deltas()
	if len(deltas) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(deltas))
	}
	expected := []int{100, 100, 50}
	for i, d := range deltas {
		if d.sent != expected[i] || d.failed != 0 {
			t.Errorf("batch %d: expected %d / 0, got %d / %d", i, expected[i], d.sent, d.failed)
		}
	}
	if len(email.sent) != 250 {
		t.Errorf("expected 250 deliveries, got %d", len(email.sent))
	}
}

// sent + failed must equal the resolved recipient count once completed.
func TestProcessTaskCountersSumToRecipientCount(t *testing.T) {
	repo := newMockTaskRepo()
	sms := &fakeSmsSender{fail: map[string]bool{"+380502": true}}
	recipients := []model.Recipient{
		{ID: "u-1", Phone: "+380501"},
		{ID: "u-2", Phone: "+380502"}, // provider failure
		{ID: "u-3"},                   // missing phone
		{ID: "u-4", Phone: "+380504"},
	}
	svc := newTestService(repo, &fakeUserDirectory{recipients: recipients}, nil, sms, nil)

	taskID, _ := svc.EnqueueBulkSms("sale!", "admin-1", nil, nil)
	if err := svc.ProcessTask(context.Background(), taskID); err != nil {
		t.Fatalf("process failed: %v", err)
	}

	task, _ := repo.GetByID(taskID)
	if task.Status != model.StatusCompleted {
		t.Errorf("expected completed, got %s", task.Status)
	}
	if task.TotalSent+task.TotalFailed != len(recipients) {
		t.Errorf("counters %d + %d do not sum to %d", task.TotalSent, task.TotalFailed, len(recipients))
	}
	if task.TotalSent != 2 || task.TotalFailed != 2 {
		t.Errorf("expected 2 / 2, got %d / %d", task.TotalSent, task.TotalFailed)
	}
}

func TestProcessTaskResolutionFailureMarksFailed(t *testing.T) {
	repo := newMockTaskRepo()
	svc := newTestService(repo, &fakeUserDirectory{err: fmt.Errorf("users table unreachable")}, nil, nil, nil)

	taskID, _ := svc.EnqueueBulkEmail("s", "b", "admin-1", nil, nil)
	if err := svc.ProcessTask(context.Background(), taskID); err != nil {
		t.Fatalf("resolution failure should be terminal, not retried: %v", err)
	}

	task, _ := repo.GetByID(taskID)
	if task.Status != model.StatusFailed {
		t.Errorf("expected failed, got %s", task.Status)
	}
	if task.TotalSent != 0 || task.TotalFailed != 0 {
		t.Errorf("expected zero counters, got %d / %d", task.TotalSent, task.TotalFailed)
	}
}

// Scenario: a pending task is cancelled before the worker picks the
// message up. The worker must check status and skip entirely.
func TestProcessTaskSkipsCancelledTask(t *testing.T) {
	repo := newMockTaskRepo()
	svc := newTestService(repo, &fakeUserDirectory{recipients: emailRecipients(10)}, nil, nil, nil)

	taskID, _ := svc.EnqueueBulkEmail("s", "b", "admin-1", nil, nil)

	cancelled, err := svc.CancelTask(taskID)
	if err != nil || !cancelled {
		t.Fatalf("expected cancel to succeed, got %v / %v", cancelled, err)
	}

	// Simulate the queue delivering the stale message afterwards.
	if err := svc.ProcessTask(context.Background(), taskID); err != nil {
		t.Fatalf("stale delivery must be acked, not retried: %v", err)
	}

	task, _ := repo.GetByID(taskID)
	if task.Status != model.StatusCancelled {
		t.Errorf("expected cancelled, got %s", task.Status)
	}
	if task.TotalSent != 0 || task.TotalFailed != 0 {
		t.Errorf("counters must not move for a cancelled task, got %d / %d", task.TotalSent, task.TotalFailed)
	}
	if len(repo.deltas()) != 0 {
		t.Errorf("no batch should run for a cancelled task")
	}
}

// cancellingEmailSender cancels the task once the n-th delivery of the
// running batch has gone out.
type cancellingEmailSender struct {
	fakeEmailSender
	cancelAfter int
	cancel      func()
}

func (c *cancellingEmailSender) Send(to, subject, body, priority string) error {
	err := c.fakeEmailSender.Send(to, subject, body, priority)
	if len(c.sent) == c.cancelAfter && c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	return err
}

// Scenario: a task is cancelled while its first batch is in flight.
// The worker finishes that batch, sees the cancel at the boundary and
// stops; later batches never run and the row stays cancelled.
func TestProcessTaskStopsWhenCancelledBetweenBatches(t *testing.T) {
	repo := newMockTaskRepo()
	email := &cancellingEmailSender{}
	svc := newTestService(repo, &fakeUserDirectory{recipients: emailRecipients(250)}, nil, nil, nil)
	svc.Processor.Email = email

	taskID, _ := svc.EnqueueBulkEmail("s", "Hi {{name}}", "admin-1", nil, nil)
	email.cancelAfter = 100
	email.cancel = func() {
		if ok, err := svc.CancelTask(taskID); err != nil || !ok {
			t.Errorf("expected cancel to succeed, got %v / %v", ok, err)
		}
	}

	if err := svc.ProcessTask(context.Background(), taskID); err != nil {
		t.Fatalf("a cancelled task must be acked, not retried: %v", err)
	}

	task, _ := repo.GetByID(taskID)
	if task.Status != model.StatusCancelled {
		t.Errorf("expected cancelled, got %s", task.Status)
	}
	if task.TotalSent != 100 || task.TotalFailed != 0 {
		t.Errorf("only the finished batch should be counted, got %d / %d", task.TotalSent, task.TotalFailed)
	}
	if len(repo.deltas()) != 1 {
		t.Errorf("expected exactly 1 batch before stopping, got %d", len(repo.deltas()))
	}
	if len(email.sent) != 100 {
		t.Errorf("expected 100 deliveries, got %d", len(email.sent))
	}
}

// After a cancel lands mid-run, status queries must answer from the
// store, not from a stale processing mirror.
func TestGetTaskStatusReflectsCancelDuringRun(t *testing.T) {
	repo := newMockTaskRepo()
	email := &cancellingEmailSender{}
	svc := newTestService(repo, &fakeUserDirectory{recipients: emailRecipients(250)}, nil, nil, nil)
	svc.Processor.Email = email

	taskID, _ := svc.EnqueueBulkEmail("s", "Hi {{name}}", "admin-1", nil, nil)
	email.cancelAfter = 100
	email.cancel = func() { svc.CancelTask(taskID) }

	var observed []string
	repo.afterIncrement = func(id string) {
		if st, _ := svc.GetTaskStatus(id); st != nil {
			observed = append(observed, st.Status)
		}
	}

	if err := svc.ProcessTask(context.Background(), taskID); err != nil {
		t.Fatalf("process failed: %v", err)
	}

	if len(observed) != 1 {
		t.Fatalf("expected 1 counter write before stopping, observed %d", len(observed))
	}
	if observed[0] != model.StatusCancelled {
		t.Errorf("status after cancel should be cancelled, got %s", observed[0])
	}
}

// A lost counter write must not stop delivery or fail the task.
func TestProcessTaskContinuesWhenCounterWriteFails(t *testing.T) {
	repo := newMockTaskRepo()
	repo.failIncrementOn = 2
	email := &fakeEmailSender{}
	svc := newTestService(repo, &fakeUserDirectory{recipients: emailRecipients(250)}, email, nil, nil)

	taskID, _ := svc.EnqueueBulkEmail("s", "Hi {{name}}", "admin-1", nil, nil)
	if err := svc.ProcessTask(context.Background(), taskID); err != nil {
		t.Fatalf("process failed: %v", err)
	}

	task, _ := repo.GetByID(taskID)
	if task.Status != model.StatusCompleted {
		t.Errorf("expected completed, got %s", task.Status)
	}
	if len(email.sent) != 250 {
		t.Errorf("all recipients must still be attempted, got %d deliveries", len(email.sent))
	}
	deltas := repo.deltas()
	if len(deltas) != 2 {
		t.Fatalf("expected 2 persisted batches around the lost write, got %d", len(deltas))
	}
	if task.TotalSent != 150 || task.TotalFailed != 0 {
		t.Errorf("store should hold only the persisted batches, got %d / %d", task.TotalSent, task.TotalFailed)
	}
}

// Scenario: the task is cancelled between the pickup read and the
// processing claim. The claim is rejected by the status guard and the
// message is acked without running any batch.
func TestProcessTaskAcksWhenClaimIsLost(t *testing.T) {
	repo := newMockTaskRepo()
	svc := newTestService(repo, &fakeUserDirectory{recipients: emailRecipients(10)}, nil, nil, nil)

	taskID, _ := svc.EnqueueBulkEmail("s", "b", "admin-1", nil, nil)
	repo.afterGet = func(id string) {
		svc.CancelTask(id)
	}

	if err := svc.ProcessTask(context.Background(), taskID); err != nil {
		t.Fatalf("a lost claim must be acked, not retried: %v", err)
	}

	task, _ := repo.GetByID(taskID)
	if task.Status != model.StatusCancelled {
		t.Errorf("expected cancelled, got %s", task.Status)
	}
	if len(repo.deltas()) != 0 {
		t.Errorf("no batch should run after a lost claim")
	}
}

func TestCancelTerminalTaskReturnsFalse(t *testing.T) {
	repo := newMockTaskRepo()
	svc := newTestService(repo, &fakeUserDirectory{recipients: []model.Recipient{}}, nil, nil, nil)

	taskID, _ := svc.EnqueueBulkEmail("s", "b", "admin-1", nil, nil)
	if err := svc.ProcessTask(context.Background(), taskID); err != nil {
		t.Fatalf("process failed: %v", err)
	}

	cancelled, err := svc.CancelTask(taskID)
	if err != nil {
		t.Fatalf("cancel errored: %v", err)
	}
	if cancelled {
		t.Errorf("cancelling a completed task must return false")
	}

	task, _ := repo.GetByID(taskID)
	if task.Status != model.StatusCompleted {
		t.Errorf("terminal status was overwritten: %s", task.Status)
	}
}

func TestGetTaskStatusUnknownReturnsNil(t *testing.T) {
	svc := newTestService(newMockTaskRepo(), &fakeUserDirectory{}, nil, nil, nil)

	status, err := svc.GetTaskStatus("no-such-task")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != nil {
		t.Errorf("expected nil status for unknown task, got %+v", status)
	}
}

func TestListActiveTasks(t *testing.T) {
	repo := newMockTaskRepo()
	svc := newTestService(repo, &fakeUserDirectory{recipients: []model.Recipient{}}, nil, nil, nil)

	id1, _ := svc.EnqueueBulkEmail("s", "b", "admin-1", nil, nil)
	id2, _ := svc.EnqueueBulkSms("b", "admin-1", nil, nil)

	// Complete one of them; only the other stays active.
	if err := svc.ProcessTask(context.Background(), id1); err != nil {
		t.Fatalf("process failed: %v", err)
	}

	active, err := svc.ListActiveTasks()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected 1 active task, got %d", len(active))
	}
	if active[0].ID != id2 {
		t.Errorf("expected task %s active, got %s", id2, active[0].ID)
	}
	if active[0].Status != model.StatusPending {
		t.Errorf("expected pending, got %s", active[0].Status)
	}
}

// Counters observed during processing never decrease.
func TestCountersAreMonotonic(t *testing.T) {
	repo := newMockTaskRepo()
	svc := newTestService(repo, &fakeUserDirectory{recipients: emailRecipients(250)}, nil, nil, nil)

	taskID, _ := svc.EnqueueBulkEmail("s", "Hi {{name}}", "admin-1", nil, nil)

	done := make(chan struct{})
	var snapshots []int
	var mu sync.Mutex
	go func() {
		defer close(done)
		for {
			status, _ := svc.GetTaskStatus(taskID)
			if status != nil {
				mu.Lock()
				snapshots = append(snapshots, status.TotalSent+status.TotalFailed)
				mu.Unlock()
				if status.Status == model.StatusCompleted {
					return
				}
			}
			time.Sleep(time.Millisecond)
		}
	}()

	if err := svc.ProcessTask(context.Background(), taskID); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	<-done

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(snapshots); i++ {
		if snapshots[i] < snapshots[i-1] {
			t.Fatalf("counters decreased: %d then %d", snapshots[i-1], snapshots[i])
		}
	}
	if len(snapshots) == 0 || snapshots[len(snapshots)-1] != 250 {
		t.Errorf("final counter sum should be 250, snapshots: %v", snapshots)
	}
}
