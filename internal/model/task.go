// internal/model/task.go
package model

import "time"

// Notification channels
const (
	ChannelEmail = "email"
	ChannelSms   = "sms"
	ChannelPush  = "push"
)

// Task statuses. pending and processing are non-terminal;
// completed, failed and cancelled never transition again.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Priorities
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// BulkNotificationTask is one bulk fan-out request. The DB row is the
// source of truth; counters are only ever incremented, never reset.
type BulkNotificationTask struct {
	ID                string            `db:"id" json:"id"`
	Channel           string            `db:"channel" json:"channel"`
	Subject           string            `db:"subject" json:"subject,omitempty"`
	Body              string            `db:"body" json:"body"`
	Filter            *RecipientFilter  `db:"filter" json:"filter,omitempty"`
	TemplateName      string            `db:"template_name" json:"template_name,omitempty"`
	TemplateVariables map[string]string `db:"template_variables" json:"template_variables,omitempty"`
	Priority          string            `db:"priority" json:"priority"`
	TotalSent         int               `db:"total_sent" json:"total_sent"`
	TotalFailed       int               `db:"total_failed" json:"total_failed"`
	Status            string            `db:"status" json:"status"`
	CreatedBy         string            `db:"created_by" json:"created_by"`
	SenderID          *string           `db:"sender_id" json:"sender_id,omitempty"`
	CampaignID        *string           `db:"campaign_id" json:"campaign_id,omitempty"`
	CreatedAt         time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time         `db:"updated_at" json:"updated_at"`
	StartedAt         *time.Time        `db:"started_at" json:"started_at,omitempty"`
	CompletedAt       *time.Time        `db:"completed_at" json:"completed_at,omitempty"`
}

// IsTerminal reports whether the task reached a final state.
func (t *BulkNotificationTask) IsTerminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed || t.Status == StatusCancelled
}

// TaskStatus is the projection returned to status queries.
type TaskStatus struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	TotalSent   int        `json:"total_sent"`
	TotalFailed int        `json:"total_failed"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
