// Package dispatch delivers rule actions to endpoints.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/bcnelson/hunt-foreman/internal/domain"
	"github.com/bcnelson/hunt-foreman/internal/logging"
)

// ResponseDispatcher hands actions back in the check-in response. Delivery
// is acknowledged as soon as the response is produced.
type ResponseDispatcher struct{}

// Dispatch always succeeds; the engine returns the actions to the caller.
func (ResponseDispatcher) Dispatch(ctx context.Context, endpointID string, actions []domain.Action) error {
	return nil
}

// Publisher is the subset of *nats.Conn used for delivery.
type Publisher interface {
	Publish(subj string, data []byte) error
}

// Message is the payload published for every dispatch.
type Message struct {
	EndpointID string          `json:"endpoint_id"`
	Actions    []domain.Action `json:"actions"`
	SentAt     time.Time       `json:"sent_at"`
}

// NATSDispatcher publishes actions to "<subject>.<endpoint id>" and retries
// transient publish failures with exponential backoff.
type NATSDispatcher struct {
	pub        Publisher
	subject    string
	maxRetries uint64
	interval   time.Duration
	logger     zerolog.Logger
}

// NewNATSDispatcher creates a dispatcher publishing under subject.
func NewNATSDispatcher(pub Publisher, subject string, maxRetries int, interval time.Duration, logger zerolog.Logger) *NATSDispatcher {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &NATSDispatcher{
		pub:        pub,
		subject:    subject,
		maxRetries: uint64(maxRetries),
		interval:   interval,
		logger:     logging.WithComponent(logger, "dispatch"),
	}
}

func (d *NATSDispatcher) Dispatch(ctx context.Context, endpointID string, actions []domain.Action) error {
	data, err := json.Marshal(Message{EndpointID: endpointID, Actions: actions, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal dispatch message: %w", err)
	}
	subject := d.subject + "." + endpointID

	attempt := 0
	operation := func() error {
		attempt++
		if err := d.pub.Publish(subject, data); err != nil {
			d.logger.Debug().Err(err).
				Str("subject", subject).
				Int("attempt", attempt).
				Msg("Publish failed")
			return err
		}
		return nil
	}

	expBo := backoff.NewExponentialBackOff()
	expBo.InitialInterval = d.interval
	expBo.MaxElapsedTime = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(expBo, d.maxRetries), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		return fmt.Errorf("failed to publish to %s after %d attempts: %w", subject, attempt, err)
	}
	return nil
}
