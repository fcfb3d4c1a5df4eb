// Package audit emits an append-only JSON-lines trail of custody events.
// The trail is operational evidence only; the ledger remains the source of
// truth for confirmed state.
package audit

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes audit events.
type EventType string

const (
	EventBindingBound      EventType = "binding.bound"
	EventBindingSuperseded EventType = "binding.superseded"
	EventBindingUnbound    EventType = "binding.unbound"
	EventStageAccepted     EventType = "stage.accepted"
	EventStageRejected     EventType = "stage.rejected"
	EventAlertRaised       EventType = "alert.raised"
	EventCommitConfirmed   EventType = "commit.confirmed"
	EventCommitFailed      EventType = "commit.failed"
)

// Event is one immutable line in the trail.
type Event struct {
	ID         string            `json:"id"`
	Type       EventType         `json:"type"`
	ShipmentID string            `json:"shipment_id,omitempty"`
	Subject    string            `json:"subject,omitempty"`
	Detail     map[string]string `json:"detail,omitempty"`
	At         time.Time         `json:"at"`
}

// Logger appends events as JSON lines to a writer. Safe for concurrent use.
// A nil *Logger discards everything, so call sites need no guards.
type Logger struct {
	mu  sync.Mutex
	out io.Writer
	log *slog.Logger
	now func() time.Time
}

func NewLogger(out io.Writer, log *slog.Logger) *Logger {
	if log == nil {
		log = slog.Default()
	}
	return &Logger{out: out, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Record appends one event. Failures are logged, never propagated: audit
// must not block the pipeline.
func (l *Logger) Record(typ EventType, shipmentID, subject string, detail map[string]string) {
	if l == nil || l.out == nil {
		return
	}
	ev := Event{
		ID:         uuid.NewString(),
		Type:       typ,
		ShipmentID: shipmentID,
		Subject:    subject,
		Detail:     detail,
		At:         l.now(),
	}
	line, err := json.Marshal(ev)
	if err != nil {
		l.log.Error("audit encode failed", "type", typ, "error", err)
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.out.Write(line); err != nil {
		l.log.Error("audit write failed", "type", typ, "error", err)
	}
}
