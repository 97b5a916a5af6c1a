// internal/service/notification_service.go
package service

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	appErrors "github.com/Lookout84/toagro-backend-sub000/internal/errors"
	"github.com/Lookout84/toagro-backend-sub000/internal/model"
	"github.com/Lookout84/toagro-backend-sub000/internal/queue"
	"github.com/Lookout84/toagro-backend-sub000/internal/repository"
)

const (
	// DefaultBatchSize is how many recipients one throttled batch holds.
	DefaultBatchSize = 100
	// DefaultBatchDelay paces consecutive batches of one task.
	DefaultBatchDelay = 1000 * time.Millisecond
)

// EnqueueOptions carries the optional task attributes.
type EnqueueOptions struct {
	TemplateName      string
	TemplateVariables map[string]string
	Priority          string
	SenderID          *string
	CampaignID        *string
}

// NotificationService is the single entry point for enqueueing bulk
// notification tasks and for the worker loop that processes them.
type NotificationService struct {
	TaskRepo  repository.TaskRepositoryInterface
	UserRepo  repository.UserRepositoryInterface
	Queue     queue.Queue
	Processor *BatchProcessor

	BatchSize  int           // 0 => DefaultBatchSize
	BatchDelay time.Duration // 0 => DefaultBatchDelay

	// activeTasks mirrors tasks this instance is currently processing,
	// for fast status lookups. Strictly a cache: the store row wins.
	mu          sync.Mutex
	activeTasks map[string]model.BulkNotificationTask
}

// ====================== Enqueue ======================

func (s *NotificationService) EnqueueBulkEmail(subject, body, createdBy string, filter *model.RecipientFilter, opts *EnqueueOptions) (string, error) {
	return s.enqueue(model.ChannelEmail, subject, body, createdBy, filter, opts)
}

func (s *NotificationService) EnqueueBulkSms(body, createdBy string, filter *model.RecipientFilter, opts *EnqueueOptions) (string, error) {
	return s.enqueue(model.ChannelSms, "", body, createdBy, filter, opts)
}

// EnqueueBulkPush uses the title as the push notification subject.
func (s *NotificationService) EnqueueBulkPush(title, body, createdBy string, filter *model.RecipientFilter, opts *EnqueueOptions) (string, error) {
	return s.enqueue(model.ChannelPush, title, body, createdBy, filter, opts)
}

func (s *NotificationService) enqueue(channel, subject, body, createdBy string, filter *model.RecipientFilter, opts *EnqueueOptions) (string, error) {
	task := &model.BulkNotificationTask{
		ID:        uuid.NewString(),
		Channel:   channel,
		Subject:   subject,
		Body:      body,
		Filter:    filter,
		Priority:  model.PriorityNormal,
		Status:    model.StatusPending,
		CreatedBy: createdBy,
	}
	if opts != nil {
		if opts.Priority != "" {
			task.Priority = opts.Priority
		}
		task.TemplateName = opts.TemplateName
		task.TemplateVariables = opts.TemplateVariables
		task.SenderID = opts.SenderID
		task.CampaignID = opts.CampaignID
	}

	// Persist first, publish second: a crash in between leaves a
	// discoverable pending row instead of a silently lost task.
	if err := s.TaskRepo.Create(task); err != nil {
		return "", err
	}

	payload, err := queue.TaskMessage{TaskID: task.ID}.Marshal()
	if err != nil {
		return task.ID, err
	}
	if err := s.Queue.Publish(queue.TopicBulkNotifications, payload); err != nil {
		log.Println("⚠️ Task", task.ID, "persisted but not published:", err)
		return task.ID, err
	}

	return task.ID, nil
}

// ====================== Worker ======================

// StartConsumer subscribes the worker handler to the dispatch queue.
func (s *NotificationService) StartConsumer(ctx context.Context) error {
	return s.Queue.Subscribe(queue.TopicBulkNotifications, func(payload []byte) error {
		msg, err := queue.UnmarshalTaskMessage(payload)
		if err != nil {
			log.Println("⚠️ Invalid queue payload, dropping:", err)
			return nil // poison message, do not retry
		}
		return s.ProcessTask(ctx, msg.TaskID)
	})
}

// ProcessTask is the queue handler for one task message. A returned
// error asks the queue to redeliver; nil acks the message.
func (s *NotificationService) ProcessTask(ctx context.Context, taskID string) error {
	task, err := s.TaskRepo.GetByID(taskID)
	if err != nil {
		var notFound *appErrors.ErrTaskNotFound
		if errors.As(err, &notFound) {
			log.Println("⚠️ Task", taskID, "not found, dropping message")
			return nil
		}
		return err // store unreachable: let the queue redeliver
	}

	// Requeue-after-cancel race and duplicate deliveries land here:
	// only a still-pending task may be picked up.
	if task.Status != model.StatusPending {
		log.Println("📩 Task", taskID, "is", task.Status, ", skipping")
		return nil
	}

	if err := s.TaskRepo.MarkProcessing(task.ID); err != nil {
		log.Println("⚠️ Failed to mark task", task.ID, "processing:", err)
		return nil
	}
	now := time.Now()
	task.Status = model.StatusProcessing
	task.StartedAt = &now
	s.storeMirror(task)
	defer s.dropMirror(task.ID)

	recipients, err := s.UserRepo.FindByFilter(task.Filter)
	if err != nil {
		log.Println("⚠️ Recipient resolution failed for task", task.ID, ":", err)
		s.markFailed(task.ID)
		return nil
	}

	log.Println("📩 Processing task", task.ID, "recipients:", len(recipients))

	if len(recipients) == 0 {
		// Nothing to do: complete immediately with zero counters.
		s.markCompleted(task.ID)
		return nil
	}

	batchSize := s.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	delay := s.BatchDelay
	if delay <= 0 {
		delay = DefaultBatchDelay
	}

	// One batch per delay interval; the first Wait is immediate.
	limiter := rate.NewLimiter(rate.Every(delay), 1)

	for start := 0; start < len(recipients); start += batchSize {
		if err := limiter.Wait(ctx); err != nil {
			log.Println("⚠️ Task", task.ID, "interrupted:", err)
			s.markFailed(task.ID)
			return nil
		}

		end := start + batchSize
		if end > len(recipients) {
			end = len(recipients)
		}

		sent, failed := s.Processor.ProcessBatch(task, recipients[start:end])
		task.TotalSent += sent
		task.TotalFailed += failed

		// Additive increment, persisted before the next batch begins.
		// A failed counter write is an observability problem, not a
		// delivery problem: log and keep sending.
		if err := s.TaskRepo.IncrementCounters(task.ID, sent, failed); err != nil {
			log.Println("⚠️ Failed to persist counters for task", task.ID, ":", err)
		}

		if end < len(recipients) {
			// Cooperative cancellation: re-read the authoritative row
			// between batches and stop if it moved out of processing.
			// Checked before re-mirroring, so a cancelled task never
			// reappears in the status cache.
			current, err := s.TaskRepo.GetByID(task.ID)
			if err == nil && current.Status != model.StatusProcessing {
				log.Println("📩 Task", task.ID, "moved to", current.Status, ", stopping between batches")
				return nil
			}
		}
		s.storeMirror(task)
	}

	s.markCompleted(task.ID)
	return nil
}

func (s *NotificationService) markCompleted(id string) {
	if err := s.TaskRepo.MarkCompleted(id); err != nil {
		log.Println("❌ Failed to mark task", id, "completed, task may be stuck:", err)
	}
}

func (s *NotificationService) markFailed(id string) {
	if err := s.TaskRepo.MarkFailed(id); err != nil {
		log.Println("❌ Failed to mark task", id, "failed, task may be stuck:", err)
	}
}

// ====================== Queries ======================

// GetTaskStatus returns a status projection, or nil when the task is
// unknown. Actively-processing tasks are answered from the mirror
// without touching storage.
func (s *NotificationService) GetTaskStatus(taskID string) (*model.TaskStatus, error) {
	if st, ok := s.mirrorStatus(taskID); ok {
		return st, nil
	}

	task, err := s.TaskRepo.GetByID(taskID)
	if err != nil {
		var notFound *appErrors.ErrTaskNotFound
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, err
	}
	return statusOf(task), nil
}

// CancelTask marks a task cancelled. Returns false when the task is
// unknown or already terminal; cancellation racing a natural
// completion is expected and not an error.
func (s *NotificationService) CancelTask(taskID string) (bool, error) {
	s.dropMirror(taskID)
	return s.TaskRepo.MarkCancelled(taskID)
}

// ListActiveTasks returns every pending or processing task.
func (s *NotificationService) ListActiveTasks() ([]model.TaskStatus, error) {
	tasks, err := s.TaskRepo.ListActive()
	if err != nil {
		return nil, err
	}
	statuses := make([]model.TaskStatus, len(tasks))
	for i, t := range tasks {
		statuses[i] = *statusOf(t)
	}
	return statuses, nil
}

// ====================== Mirror ======================

func (s *NotificationService) storeMirror(t *model.BulkNotificationTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeTasks == nil {
		s.activeTasks = make(map[string]model.BulkNotificationTask)
	}
	s.activeTasks[t.ID] = *t
}

func (s *NotificationService) dropMirror(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.activeTasks, id)
}

func (s *NotificationService) mirrorStatus(id string) (*model.TaskStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.activeTasks[id]
	if !ok {
		return nil, false
	}
	return statusOf(&t), true
}

func statusOf(t *model.BulkNotificationTask) *model.TaskStatus {
	return &model.TaskStatus{
		ID:          t.ID,
		Status:      t.Status,
		TotalSent:   t.TotalSent,
		TotalFailed: t.TotalFailed,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
	}
}
