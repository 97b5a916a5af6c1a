package queue

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// TopicBulkNotifications is the dispatch queue for bulk notification tasks.
const TopicBulkNotifications = "bulk_notifications"

// TaskMessage is the queue payload. It carries only the task id: the
// stored row is the source of truth and the worker re-reads it, so a
// stale message can never resurrect old task fields.
type TaskMessage struct {
	TaskID string `json:"task_id"`
}

func (m TaskMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

func UnmarshalTaskMessage(body []byte) (TaskMessage, error) {
	var m TaskMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return TaskMessage{}, err
	}
	if m.TaskID == "" {
		return TaskMessage{}, fmt.Errorf("invalid task message: missing task_id")
	}
	return m, nil
}

// Queue is a durable at-least-once work queue. A handler error signals
// the queue to retry the delivery.
type Queue interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string, handler func(payload []byte) error) error
}

// InMemoryQueue is an in-process queue with retry, for single-node
// deployments and tests.
type InMemoryQueue struct {
	mu       sync.Mutex
	handlers map[string][]func(payload []byte) error
}

// NewInMemoryQueue creates a new queue
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		handlers: make(map[string][]func(payload []byte) error),
	}
}

// jobPayload wraps a message payload with retry info
type jobPayload struct {
	payload    []byte
	retryCount int
	maxRetries int
}

// Publish sends a message to all subscribers
func (q *InMemoryQueue) Publish(topic string, payload []byte) error {
	q.mu.Lock()
	handlers := q.handlers[topic]
	q.mu.Unlock()

	if len(handlers) == 0 {
		return fmt.Errorf("no subscribers for topic %s", topic)
	}

	job := jobPayload{
		payload:    payload,
		retryCount: 0,
		maxRetries: 3,
	}

	for _, handler := range handlers {
		go q.processJob(topic, handler, job)
	}

	return nil
}

// processJob handles retries and errors
func (q *InMemoryQueue) processJob(topic string, handler func(payload []byte) error, job jobPayload) {
	for job.retryCount <= job.maxRetries {
		err := handler(job.payload)
		if err == nil {
			return // ACK
		}

		job.retryCount++
		log.Printf("⚠️ Job on %s failed (attempt %d/%d): %v\n", topic, job.retryCount, job.maxRetries, err)

		if job.retryCount > job.maxRetries {
			log.Printf("⚠️ Job on %s permanently failed after %d attempts\n", topic, job.maxRetries)
			return // no requeue
		}

		// Backoff before retry
		time.Sleep(time.Duration(job.retryCount*500) * time.Millisecond)
	}
}

// Subscribe adds a handler for a topic
func (q *InMemoryQueue) Subscribe(topic string, handler func(payload []byte) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}
