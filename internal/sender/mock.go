// internal/sender/mock.go
package sender

import "log"

// TODO: Replace these with real SMTP/Twilio/FCM providers once the
// delivery credentials are provisioned.

// MockEmailSender logs and succeeds.
type MockEmailSender struct{}

func (s *MockEmailSender) Send(to, subject, body, priority string) error {
	log.Printf("📧 [mock email] to=%s priority=%s subject=%q\n", to, priority, subject)
	return nil
}

// MockSmsSender logs and succeeds.
type MockSmsSender struct{}

func (s *MockSmsSender) Send(to, body, priority string) error {
	log.Printf("📱 [mock sms] to=%s priority=%s\n", to, priority)
	return nil
}

// MockPushSender logs and succeeds.
type MockPushSender struct{}

func (s *MockPushSender) Send(deviceToken, title, body, priority string) error {
	log.Printf("🔔 [mock push] token=%s priority=%s title=%q\n", deviceToken, priority, title)
	return nil
}

var (
	_ EmailSender = (*MockEmailSender)(nil)
	_ SmsSender   = (*MockSmsSender)(nil)
	_ PushSender  = (*MockPushSender)(nil)
)
