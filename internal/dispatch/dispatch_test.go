package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcnelson/hunt-foreman/internal/domain"
)

type flakyPublisher struct {
	failures int
	calls    int
	subjects []string
	last     []byte
}

func (p *flakyPublisher) Publish(subj string, data []byte) error {
	p.calls++
	if p.calls <= p.failures {
		return errors.New("nats: timeout")
	}
	p.subjects = append(p.subjects, subj)
	p.last = data
	return nil
}

var actions = []domain.Action{{HuntID: "hunt-1", FlowName: "Interrogate", CollectReplies: true}}

func TestNATSDispatcherRetriesTransientFailures(t *testing.T) {
	pub := &flakyPublisher{failures: 2}
	d := NewNATSDispatcher(pub, "foreman.dispatch", 3, time.Millisecond, zerolog.Nop())

	require.NoError(t, d.Dispatch(context.Background(), "ep-1", actions))
	assert.Equal(t, 3, pub.calls)
	assert.Equal(t, []string{"foreman.dispatch.ep-1"}, pub.subjects)

	var msg Message
	require.NoError(t, json.Unmarshal(pub.last, &msg))
	assert.Equal(t, "ep-1", msg.EndpointID)
	assert.Equal(t, actions, msg.Actions)
}

func TestNATSDispatcherGivesUp(t *testing.T) {
	pub := &flakyPublisher{failures: 100}
	d := NewNATSDispatcher(pub, "foreman.dispatch", 2, time.Millisecond, zerolog.Nop())

	err := d.Dispatch(context.Background(), "ep-1", actions)
	require.Error(t, err)
	assert.Equal(t, 3, pub.calls)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestNATSDispatcherStopsOnCancel(t *testing.T) {
	pub := &flakyPublisher{failures: 100}
	d := NewNATSDispatcher(pub, "foreman.dispatch", 50, 50*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, d.Dispatch(ctx, "ep-1", actions))
	assert.Less(t, pub.calls, 50)
}

func TestResponseDispatcher(t *testing.T) {
	assert.NoError(t, ResponseDispatcher{}.Dispatch(context.Background(), "ep-1", actions))
}
