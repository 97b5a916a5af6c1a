// internal/service/batch_processor.go
package service

import (
	"fmt"
	"log"

	appErrors "github.com/Lookout84/toagro-backend-sub000/internal/errors"
	"github.com/Lookout84/toagro-backend-sub000/internal/model"
	"github.com/Lookout84/toagro-backend-sub000/internal/repository"
	"github.com/Lookout84/toagro-backend-sub000/internal/sender"
)

// BatchProcessor sends one batch of recipients. It persists nothing;
// the orchestrator owns counter persistence, which keeps this unit
// testable in isolation.
type BatchProcessor struct {
	UserRepo repository.UserRepositoryInterface
	Email    sender.EmailSender
	Sms      sender.SmsSender
	Push     sender.PushSender
}

// ProcessBatch iterates recipients sequentially, never concurrently:
// it bounds the load on the downstream provider and keeps failure
// attribution per recipient. One recipient's error increments failed
// and moves on; it never aborts the batch.
func (p *BatchProcessor) ProcessBatch(task *model.BulkNotificationTask, recipients []model.Recipient) (sent, failed int) {
	for _, rec := range recipients {
		if err := p.sendTo(task, rec); err != nil {
			log.Println("⚠️ Send failed for recipient", rec.ID, ":", err)
			failed++
			continue
		}
		sent++
	}
	return sent, failed
}

func (p *BatchProcessor) sendTo(task *model.BulkNotificationTask, rec model.Recipient) error {
	vars := BuildRecipientVariables(rec, task.TemplateVariables)
	subject := RenderTemplate(task.Subject, vars)
	body := RenderTemplate(task.Body, vars)

	switch task.Channel {
	case model.ChannelEmail:
		if rec.Email == "" {
			return appErrors.NewMissingContactInfo(task.Channel, rec.ID)
		}
		return p.Email.Send(rec.Email, subject, body, task.Priority)

	case model.ChannelSms:
		if rec.Phone == "" {
			return appErrors.NewMissingContactInfo(task.Channel, rec.ID)
		}
		return p.Sms.Send(rec.Phone, body, task.Priority)

	case model.ChannelPush:
		tokens, err := p.UserRepo.GetDeviceTokens(rec.ID)
		if err != nil {
			return err
		}
		if len(tokens) == 0 {
			return appErrors.NewMissingContactInfo(task.Channel, rec.ID)
		}
		// Every token is tried independently; the recipient counts as
		// delivered if at least one token succeeds.
		var lastErr error
		delivered := false
		for _, token := range tokens {
			if err := p.Push.Send(token, subject, body, task.Priority); err != nil {
				lastErr = err
				continue
			}
			delivered = true
		}
		if delivered {
			return nil
		}
		return lastErr

	default:
		return fmt.Errorf("unknown channel: %s", task.Channel)
	}
}
