// internal/controller/notification_controller.go
package controller

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Lookout84/toagro-backend-sub000/internal/model"
	"github.com/Lookout84/toagro-backend-sub000/internal/service"
)

type NotificationController struct {
	NotificationService *service.NotificationService
}

type enqueueBody struct {
	Subject           string                 `json:"subject"`
	Title             string                 `json:"title"`
	Body              string                 `json:"body"`
	Filter            *model.RecipientFilter `json:"filter"`
	TemplateName      string                 `json:"template_name"`
	TemplateVariables map[string]string      `json:"template_variables"`
	Priority          string                 `json:"priority"`
	SenderID          *string                `json:"sender_id"`
	CampaignID        *string                `json:"campaign_id"`
}

func (b *enqueueBody) options() *service.EnqueueOptions {
	return &service.EnqueueOptions{
		TemplateName:      b.TemplateName,
		TemplateVariables: b.TemplateVariables,
		Priority:          b.Priority,
		SenderID:          b.SenderID,
		CampaignID:        b.CampaignID,
	}
}

// creatorID comes from the auth middleware upstream; the gateway sets
// the header after validating the session.
func creatorID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

func (c *NotificationController) EnqueueBulkEmail(w http.ResponseWriter, r *http.Request) {
	var body enqueueBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if body.Body == "" {
		http.Error(w, "body is required", http.StatusBadRequest)
		return
	}

	taskID, err := c.NotificationService.EnqueueBulkEmail(body.Subject, body.Body, creatorID(r), body.Filter, body.options())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"task_id": taskID,
		"status":  model.StatusPending,
	})
}

func (c *NotificationController) EnqueueBulkSms(w http.ResponseWriter, r *http.Request) {
	var body enqueueBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if body.Body == "" {
		http.Error(w, "body is required", http.StatusBadRequest)
		return
	}

	taskID, err := c.NotificationService.EnqueueBulkSms(body.Body, creatorID(r), body.Filter, body.options())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"task_id": taskID,
		"status":  model.StatusPending,
	})
}

func (c *NotificationController) EnqueueBulkPush(w http.ResponseWriter, r *http.Request) {
	var body enqueueBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if body.Body == "" {
		http.Error(w, "body is required", http.StatusBadRequest)
		return
	}

	taskID, err := c.NotificationService.EnqueueBulkPush(body.Title, body.Body, creatorID(r), body.Filter, body.options())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"task_id": taskID,
		"status":  model.StatusPending,
	})
}

func (c *NotificationController) GetTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")

	status, err := c.NotificationService.GetTaskStatus(taskID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if status == nil {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

func (c *NotificationController) CancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")

	cancelled, err := c.NotificationService.CancelTask(taskID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"task_id":   taskID,
		"cancelled": cancelled,
	})
}

func (c *NotificationController) ListActiveTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := c.NotificationService.ListActiveTasks()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": tasks,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
