package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnvelope(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	ce := Envelope(Event{Type: TypeActionDispatched, Time: ts, Data: map[string]any{"action_id": 4}})

	require.Equal(t, "1.0", ce.SpecVersion)
	require.NotEmpty(t, ce.ID)
	require.Equal(t, "io.deployflow.action.dispatched", ce.Type)
	require.Equal(t, "deployflow.events.action.dispatched", ce.Subject)
	require.Equal(t, ts, *ce.Time)

	data, err := json.Marshal(ce)
	require.NoError(t, err)
	require.Contains(t, string(data), `"specversion":"1.0"`)
	require.Contains(t, string(data), `"action_id":4`)
}

func TestEnvelopeIDsAreUnique(t *testing.T) {
	a := Envelope(Event{Type: TypeDeviceRegistered})
	b := Envelope(Event{Type: TypeDeviceRegistered})
	require.NotEqual(t, a.ID, b.ID)
	require.NotNil(t, a.Time)
}

func TestRecorder(t *testing.T) {
	var rec Recorder
	var pub Publisher = &rec
	require.NoError(t, pub.Publish(context.Background(), Event{Type: TypeActionQueued}))
	require.NoError(t, pub.Publish(context.Background(), Event{Type: TypeActionCompleted}))
	require.Equal(t, []string{TypeActionQueued, TypeActionCompleted}, rec.Types())
	require.Len(t, rec.Events(), 2)
	require.NoError(t, Noop{}.Publish(context.Background(), Event{}))
}
