package events

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventBusPublishSubscribe(t *testing.T) {
	bus := NewEventBus()

	var got []string
	bus.Subscribe(EventTaskCreated, func(e *Event) error {
		got = append(got, string(e.Payload))
		return nil
	})
	bus.Subscribe(EventTaskCreated, func(e *Event) error {
		got = append(got, "second")
		return nil
	})

	err := bus.PublishJSON(EventTaskCreated, TaskEventPayload{TaskID: 1, UserEmail: "a@example.com"})
	require.NoError(t, err)
	require.Len(t, got, 2)

	var payload TaskEventPayload
	require.NoError(t, json.Unmarshal([]byte(got[0]), &payload))
	require.Equal(t, int64(1), payload.TaskID)
	require.Equal(t, "a@example.com", payload.UserEmail)
}

func TestEventBusIgnoresUnsubscribedTypes(t *testing.T) {
	bus := NewEventBus()
	called := false
	bus.Subscribe(EventTaskDeleted, func(e *Event) error {
		called = true
		return nil
	})

	require.NoError(t, bus.PublishJSON(EventTaskUpdated, TaskEventPayload{TaskID: 2}))
	require.False(t, called)
}

func TestEventBusHandlerErrorDoesNotStopOthers(t *testing.T) {
	bus := NewEventBus()
	var reached bool
	bus.Subscribe(EventTaskCompleted, func(e *Event) error { return errors.New("boom") })
	bus.Subscribe(EventTaskCompleted, func(e *Event) error {
		reached = true
		return nil
	})

	require.NoError(t, bus.PublishJSON(EventTaskCompleted, TaskEventPayload{TaskID: 3}))
	require.True(t, reached)
}
