// Package notify delivers session-level notifications: desktop popups and
// Slack webhooks for batch completion and failures.
package notify

import "fmt"

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	ItemID  string // Optional checklist item reference
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers
func (m *MultiNotifier) Send(n Notification) error {
	var lastErr error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }

// SessionFinished builds the end-of-session notification
func SessionFinished(processed, completed, failed int) Notification {
	n := Notification{
		Title: "Checklist session finished",
		Message: fmt.Sprintf("%d processed, %d completed, %d failed",
			processed, completed, failed),
		Type: NotifySuccess,
	}
	if failed > 0 {
		n.Type = NotifyWarning
	}
	if completed == 0 && failed > 0 {
		n.Type = NotifyError
	}
	return n
}
