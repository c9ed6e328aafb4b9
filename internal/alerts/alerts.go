package alerts

import (
	"context"
	"errors"
	"time"

	"github.com/Rajchodisetti/session-trader/internal/observ"
)

type Severity string

const (
	Info     Severity = "info"
	Warning  Severity = "warning"
	Critical Severity = "critical"
)

type Kind string

const (
	KindSessionSummary Kind = "session_summary"
	KindModeTransition Kind = "mode_transition"
	KindExitSkipped    Kind = "exit_skipped"
	KindSessionFailed  Kind = "session_failed"
	KindSessionMissed  Kind = "session_missed"
	KindWeeklyStatus   Kind = "weekly_status"
	KindBackup         Kind = "backup"
	KindLifecycle      Kind = "lifecycle"
)

type Field struct {
	Title string `json:"title"`
	Value string `json:"value"`
}

type Message struct {
	Kind     Kind      `json:"kind"`
	Severity Severity  `json:"severity"`
	Title    string    `json:"title"`
	Text     string    `json:"text"`
	Fields   []Field   `json:"fields,omitempty"`
	At       time.Time `json:"at"`
}

// Notifier delivers operator messages. Delivery is best effort: callers log a
// returned error and carry on.
type Notifier interface {
	Notify(ctx context.Context, m Message) error
}

// LogNotifier writes messages to the structured log only.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, m Message) error {
	kv := map[string]any{
		"kind":     string(m.Kind),
		"severity": string(m.Severity),
		"title":    m.Title,
		"text":     m.Text,
	}
	for _, f := range m.Fields {
		kv["field_"+f.Title] = f.Value
	}
	if m.Severity == Info {
		observ.Log("notification", kv)
	} else {
		observ.Warn("notification", kv)
	}
	return nil
}

// Multi fans a message out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
