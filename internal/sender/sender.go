// internal/sender/sender.go
package sender

// Channel sender facades. The dispatch pipeline hands each sender an
// already-rendered subject/body plus the task priority; senders do no
// templating or filtering of their own. Per-send retries, if any,
// belong behind these interfaces, not in the pipeline.

type EmailSender interface {
	Send(to, subject, body, priority string) error
}

type SmsSender interface {
	Send(to, body, priority string) error
}

type PushSender interface {
	Send(deviceToken, title, body, priority string) error
}
