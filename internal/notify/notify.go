// Package notify delivers human-facing alerts for runs that need attention.
package notify

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
	Title    string
	Message  string
	Type     NotificationType
	IssueKey string // Optional issue reference
	PRURL    string // Optional PR URL
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// Blocked builds the notification for an issue that needs human input
func Blocked(issueKey, reason string) Notification {
	return Notification{
		Title:    "Issue blocked: " + issueKey,
		Message:  reason,
		Type:     NotifyWarning,
		IssueKey: issueKey,
	}
}

// Escalated builds the notification for a run whose self-heal budget ran out
func Escalated(issueKey, detail string) Notification {
	return Notification{
		Title:    "Run escalated to human review: " + issueKey,
		Message:  detail,
		Type:     NotifyError,
		IssueKey: issueKey,
	}
}

// Completed builds the notification for a successful handoff to review
func Completed(issueKey, prURL string) Notification {
	return Notification{
		Title:    "Ready for review: " + issueKey,
		Message:  "verification passed, PR opened",
		Type:     NotifySuccess,
		IssueKey: issueKey,
		PRURL:    prURL,
	}
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
