package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockedby/tgrelay/internal/forward"
)

// MockNATSClient mocks the nats client operations we need
type MockNATSClient struct {
	PublishedSubject string
	PublishedData    any
	PublishError     error
}

func (m *MockNATSClient) Publish(_ context.Context, subject string, data any) error {
	m.PublishedSubject = subject
	m.PublishedData = data
	return m.PublishError
}

func TestNATSPublisher_PublishForwarded(t *testing.T) {
	mock := &MockNATSClient{}
	pub := NewNATSPublisher(mock)

	event := forward.ForwardedEvent{
		Kind:                  "send-message",
		SourceChatID:          -1001,
		SourceMessageIDs:      []int{5},
		DestinationChatID:     -1002,
		DestinationMessageIDs: []int{77},
		ForwardedAt:           time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}

	require.NoError(t, pub.PublishForwarded(context.Background(), event))
	assert.Equal(t, "relay.forwarded", mock.PublishedSubject)

	data, err := json.Marshal(mock.PublishedData)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"kind": "send-message",
		"source_chat_id": -1001,
		"source_message_ids": [5],
		"destination_chat_id": -1002,
		"destination_message_ids": [77],
		"forwarded_at": "2024-05-01T12:00:00Z"
	}`, string(data))
}

func TestNATSPublisher_PublishBackfill(t *testing.T) {
	mock := &MockNATSClient{}
	pub := NewNATSPublisher(mock)

	err := pub.PublishBackfill(context.Background(), forward.BackfillEvent{SourceID: 1, Stage: forward.StageStarted})

	require.NoError(t, err)
	assert.Equal(t, "relay.backfill", mock.PublishedSubject)
}

func TestNATSPublisher_Error(t *testing.T) {
	mock := &MockNATSClient{PublishError: errors.New("no responders")}
	pub := NewNATSPublisher(mock)

	err := pub.PublishForwarded(context.Background(), forward.ForwardedEvent{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no responders")
}

func TestFanout(t *testing.T) {
	ok := &MockNATSClient{}
	failing := &MockNATSClient{PublishError: errors.New("down")}
	f := Fanout{NewNATSPublisher(failing), nil, NewNATSPublisher(ok)}

	err := f.PublishBackfill(context.Background(), forward.BackfillEvent{SourceID: 1})

	require.Error(t, err)
	assert.Equal(t, "relay.backfill", ok.PublishedSubject, "a failing publisher does not stop the others")
}
