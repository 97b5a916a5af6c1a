package repository

import (
	"database/sql"
	"encoding/json"
	"time"

	appErrors "github.com/Lookout84/toagro-backend-sub000/internal/errors"
	"github.com/Lookout84/toagro-backend-sub000/internal/model"
)

type TaskRepositoryInterface interface {
	// Task CRUD
	Create(t *model.BulkNotificationTask) error
	GetByID(id string) (*model.BulkNotificationTask, error)
	ListActive() ([]*model.BulkNotificationTask, error)
	ListStaleProcessing(cutoff time.Time) ([]*model.BulkNotificationTask, error)

	// State machine mutations. These are the only write entry points;
	// every one of them stamps updated_at.
	MarkProcessing(id string) error
	IncrementCounters(id string, sentDelta, failedDelta int) error
	MarkCompleted(id string) error
	MarkFailed(id string) error
	MarkCancelled(id string) (bool, error)
}

type TaskRepository struct {
	DB *sql.DB
}

const taskColumns = `id, channel, subject, body, filter, template_name, template_variables,
        priority, total_sent, total_failed, status, created_by, sender_id, campaign_id,
        created_at, updated_at, started_at, completed_at`

// ====================== Task CRUD ======================

func (r *TaskRepository) Create(t *model.BulkNotificationTask) error {
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = model.StatusPending
	}
	if t.Priority == "" {
		t.Priority = model.PriorityNormal
	}

	filterJSON, err := marshalNullable(t.Filter)
	if err != nil {
		return err
	}
	varsJSON, err := marshalNullable(t.TemplateVariables)
	if err != nil {
		return err
	}

	query := `
        INSERT INTO bulk_notification_tasks
        (id, channel, subject, body, filter, template_name, template_variables,
         priority, total_sent, total_failed, status, created_by, sender_id, campaign_id,
         created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, 0, $9, $10, $11, $12, $13, $14)
    `
	_, err = r.DB.Exec(query,
		t.ID, t.Channel, t.Subject, t.Body, filterJSON, t.TemplateName, varsJSON,
		t.Priority, t.Status, t.CreatedBy, t.SenderID, t.CampaignID,
		t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func (r *TaskRepository) GetByID(id string) (*model.BulkNotificationTask, error) {
	query := `SELECT ` + taskColumns + ` FROM bulk_notification_tasks WHERE id=$1`
	t, err := scanTask(r.DB.QueryRow(query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewTaskNotFound(id)
		}
		return nil, err
	}
	return t, nil
}

func (r *TaskRepository) ListActive() ([]*model.BulkNotificationTask, error) {
	query := `SELECT ` + taskColumns + `
              FROM bulk_notification_tasks
              WHERE status IN ($1, $2)
              ORDER BY created_at DESC`
	rows, err := r.DB.Query(query, model.StatusPending, model.StatusProcessing)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := []*model.BulkNotificationTask{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ListStaleProcessing returns processing tasks that have not been touched
// since cutoff. Used by the reconciliation sweep to find tasks whose
// worker died mid-run.
func (r *TaskRepository) ListStaleProcessing(cutoff time.Time) ([]*model.BulkNotificationTask, error) {
	query := `SELECT ` + taskColumns + `
              FROM bulk_notification_tasks
              WHERE status=$1 AND updated_at < $2`
	rows, err := r.DB.Query(query, model.StatusProcessing, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := []*model.BulkNotificationTask{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ====================== State machine ======================

// MarkProcessing moves pending -> processing and stamps started_at.
func (r *TaskRepository) MarkProcessing(id string) error {
	query := `UPDATE bulk_notification_tasks
              SET status=$1, started_at=NOW(), updated_at=NOW()
              WHERE id=$2 AND status=$3`
	res, err := r.DB.Exec(query, model.StatusProcessing, id, model.StatusPending)
	if err != nil {
		return err
	}
	return r.requireTransition(res, id)
}

// IncrementCounters adds deltas to the running counters. Additive on
// purpose: an overwriting SET would be wrong under retried batch reports.
func (r *TaskRepository) IncrementCounters(id string, sentDelta, failedDelta int) error {
	query := `UPDATE bulk_notification_tasks
              SET total_sent = total_sent + $1,
                  total_failed = total_failed + $2,
                  updated_at = NOW()
              WHERE id=$3`
	_, err := r.DB.Exec(query, sentDelta, failedDelta, id)
	return err
}

func (r *TaskRepository) MarkCompleted(id string) error {
	return r.finish(id, model.StatusCompleted, model.StatusProcessing)
}

func (r *TaskRepository) MarkFailed(id string) error {
	return r.finish(id, model.StatusFailed, model.StatusProcessing)
}

func (r *TaskRepository) finish(id, status, from string) error {
	query := `UPDATE bulk_notification_tasks
              SET status=$1, completed_at=NOW(), updated_at=NOW()
              WHERE id=$2 AND status=$3`
	res, err := r.DB.Exec(query, status, id, from)
	if err != nil {
		return err
	}
	return r.requireTransition(res, id)
}

// MarkCancelled flips a pending or processing task to cancelled. Returns
// false when the task is unknown or already terminal; cancellation
// racing a natural completion is expected, not exceptional.
func (r *TaskRepository) MarkCancelled(id string) (bool, error) {
	query := `UPDATE bulk_notification_tasks
              SET status=$1, completed_at=NOW(), updated_at=NOW()
              WHERE id=$2 AND status IN ($3, $4)`
	res, err := r.DB.Exec(query, model.StatusCancelled, id, model.StatusPending, model.StatusProcessing)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ====================== helpers ======================

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*model.BulkNotificationTask, error) {
	var t model.BulkNotificationTask
	var filterJSON, varsJSON []byte
	err := row.Scan(
		&t.ID, &t.Channel, &t.Subject, &t.Body, &filterJSON, &t.TemplateName, &varsJSON,
		&t.Priority, &t.TotalSent, &t.TotalFailed, &t.Status, &t.CreatedBy,
		&t.SenderID, &t.CampaignID,
		&t.CreatedAt, &t.UpdatedAt, &t.StartedAt, &t.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(filterJSON) > 0 {
		if err := json.Unmarshal(filterJSON, &t.Filter); err != nil {
			return nil, err
		}
	}
	if len(varsJSON) > 0 {
		if err := json.Unmarshal(varsJSON, &t.TemplateVariables); err != nil {
			return nil, err
		}
	}
	return &t, nil
}

func marshalNullable(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case *model.RecipientFilter:
		if val == nil {
			return nil, nil
		}
	case map[string]string:
		if val == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

// requireTransition classifies a zero-row guarded UPDATE: either the
// task is gone, or it sits in a status the guard rejects. A lost race
// on a live task must not be reported as not-found.
func (r *TaskRepository) requireTransition(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var status string
	err = r.DB.QueryRow(`SELECT status FROM bulk_notification_tasks WHERE id=$1`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return appErrors.NewTaskNotFound(id)
	}
	if err != nil {
		return err
	}
	return appErrors.NewInvalidStatusTransition(id, status)
}

var _ TaskRepositoryInterface = (*TaskRepository)(nil)
