// Package notify delivers approval request events to candidate approvers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bcnelson/hunt-foreman/internal/domain"
	"github.com/bcnelson/hunt-foreman/internal/logging"
)

// EventType names an approval lifecycle event.
type EventType string

const (
	EventApprovalRequested EventType = "approval.requested"
	EventApprovalGranted   EventType = "approval.granted"
	EventApprovalDenied    EventType = "approval.denied"
)

// Event is the envelope published for every approval lifecycle change.
type Event struct {
	ID         string                  `json:"id"`
	Type       EventType               `json:"type"`
	Time       time.Time               `json:"time"`
	Actor      string                  `json:"actor,omitempty"`
	Recipients []string                `json:"recipients"`
	EmailCC    []string                `json:"email_cc,omitempty"`
	Request    *domain.ApprovalRequest `json:"request"`
}

// NewEvent builds an event for req. Recipients are the approver candidates
// for requests and the requestor for resolutions.
func NewEvent(typ EventType, req *domain.ApprovalRequest, actor string, at time.Time) Event {
	recipients := req.Candidates
	if typ != EventApprovalRequested {
		recipients = []string{req.Requestor}
	}
	return Event{
		ID:         uuid.New().String(),
		Type:       typ,
		Time:       at,
		Actor:      actor,
		Recipients: recipients,
		EmailCC:    req.EmailCC,
		Request:    req,
	}
}

// Notifier delivers approval events.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// LogNotifier writes events to the log. It is used when no message bus is
// configured.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a notifier that logs every event.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logging.WithComponent(logger, "notify")}
}

func (n *LogNotifier) Notify(ctx context.Context, event Event) error {
	n.logger.Info().
		Str("event", string(event.Type)).
		Str("approval_id", event.Request.ID).
		Str("hunt_id", event.Request.HuntID).
		Str("actor", event.Actor).
		Strs("recipients", event.Recipients).
		Strs("email_cc", event.EmailCC).
		Msg("Approval notification")
	return nil
}

// Publisher is the subset of *nats.Conn used for delivery.
type Publisher interface {
	Publish(subj string, data []byte) error
}

// NATSNotifier publishes events as JSON to "<subject>.<event type>".
type NATSNotifier struct {
	pub     Publisher
	subject string
	logger  zerolog.Logger
}

// NewNATSNotifier creates a notifier publishing under subject.
func NewNATSNotifier(pub Publisher, subject string, logger zerolog.Logger) *NATSNotifier {
	return &NATSNotifier{
		pub:     pub,
		subject: subject,
		logger:  logging.WithComponent(logger, "notify"),
	}
}

func (n *NATSNotifier) Notify(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal approval event: %w", err)
	}

	subject := n.subject + "." + string(event.Type)
	if err := n.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish approval event: %w", err)
	}

	n.logger.Debug().
		Str("subject", subject).
		Str("event_id", event.ID).
		Msg("Published approval event")
	return nil
}
