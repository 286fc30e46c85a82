package session

import (
	"log/slog"
	"time"
)

// Severity grades a notification for the presentation layer.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notification is an asynchronous message about a session, typically a storage
// failure that was absorbed so ingestion could continue.
type Notification struct {
	SessionID string    `json:"session_id"`
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity"`
	Time      time.Time `json:"time"`
}

// Notifier receives session notifications.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(n Notification)

func (f NotifierFunc) Notify(n Notification) {
	f(n)
}

// logNotifier is used when no notifier is configured.
type logNotifier struct{}

func (logNotifier) Notify(n Notification) {
	slog.Debug("Session notification", "session_id", n.SessionID, "severity", n.Severity, "message", n.Message)
}
