// internal/errors/errors.go
package appErrors

import "fmt"

// ErrTaskNotFound is a sentinel error
type ErrTaskNotFound struct {
	TaskID string
}

func (e *ErrTaskNotFound) Error() string {
	return fmt.Sprintf("bulk notification task %s not found", e.TaskID)
}

// Helper constructor
func NewTaskNotFound(id string) error {
	return &ErrTaskNotFound{TaskID: id}
}

// ErrMissingContactInfo means a recipient lacks the contact field the
// channel needs (email address, phone number or device tokens).
type ErrMissingContactInfo struct {
	Channel     string
	RecipientID string
}

func (e *ErrMissingContactInfo) Error() string {
	return fmt.Sprintf("recipient %s has no contact info for channel %s", e.RecipientID, e.Channel)
}

func NewMissingContactInfo(channel, recipientID string) error {
	return &ErrMissingContactInfo{Channel: channel, RecipientID: recipientID}
}

// ErrInvalidStatusTransition means a state machine guard rejected a
// write: the task exists but its current status does not allow the
// requested transition.
type ErrInvalidStatusTransition struct {
	TaskID string
	Status string
}

func (e *ErrInvalidStatusTransition) Error() string {
	return fmt.Sprintf("bulk notification task %s is %s, transition rejected", e.TaskID, e.Status)
}

func NewInvalidStatusTransition(id, status string) error {
	return &ErrInvalidStatusTransition{TaskID: id, Status: status}
}
