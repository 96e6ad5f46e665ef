package loader

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectTrackerEvents(t *testing.T, ch <-chan Event, want int) []Event {
	t.Helper()
	var got []Event
	timeout := time.After(2 * time.Second)
	for len(got) < want {
		select {
		case ev := <-ch:
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for %d events, have %d", want, len(got))
		}
	}
	return got
}

func TestTracker_HappyPath(t *testing.T) {
	tr := NewTracker()
	defer tr.Close()
	tr.Init([]string{"a"})

	info, ok := tr.Get("a")
	require.True(t, ok)
	assert.Equal(t, StatePending, info.State)

	require.NoError(t, tr.SetLoading("a", "connecting", ""))
	require.NoError(t, tr.SetReady("a"))

	info, _ = tr.Get("a")
	assert.Equal(t, StateReady, info.State)
	assert.False(t, info.StartTime.IsZero())
	assert.False(t, info.EndTime.IsZero())
	assert.GreaterOrEqual(t, info.Duration, time.Duration(0))
}

func TestTracker_InvalidTransitions(t *testing.T) {
	tr := NewTracker()
	defer tr.Close()
	tr.Init([]string{"a"})

	// Pending cannot go straight to Ready.
	assert.Error(t, tr.SetReady("a"))

	require.NoError(t, tr.SetLoading("a", "connecting", ""))
	require.NoError(t, tr.SetReady("a"))

	// Ready is terminal.
	assert.Error(t, tr.SetLoading("a", "connecting", ""))
	assert.Error(t, tr.SetFailed("a", errors.New("late")))

	assert.Error(t, tr.SetLoading("missing", "connecting", ""))
}

func TestTracker_FailedAndOAuthReenterLoading(t *testing.T) {
	tr := NewTracker()
	defer tr.Close()
	tr.Init([]string{"a", "b"})

	require.NoError(t, tr.SetLoading("a", "connecting", ""))
	require.NoError(t, tr.SetFailed("a", errors.New("boom")))
	require.NoError(t, tr.SetLoading("a", "connecting", ""))

	require.NoError(t, tr.SetLoading("b", "connecting", ""))
	require.NoError(t, tr.SetAwaitingOAuth("b", "https://auth.example/authorize"))
	info, _ := tr.Get("b")
	assert.Equal(t, "https://auth.example/authorize", info.AuthorizationURL)
	require.NoError(t, tr.SetLoading("b", "connecting", ""))
	info, _ = tr.Get("b")
	assert.Empty(t, info.AuthorizationURL)
}

func TestTracker_CancelIgnoresTerminal(t *testing.T) {
	tr := NewTracker()
	defer tr.Close()
	tr.Init([]string{"a"})

	require.NoError(t, tr.SetLoading("a", "connecting", ""))
	require.NoError(t, tr.SetReady("a"))

	// Cancelling a Ready server is a no-op, not an error.
	require.NoError(t, tr.SetCancelled("a"))
	info, _ := tr.Get("a")
	assert.Equal(t, StateReady, info.State)
}

func TestTracker_RetryCount(t *testing.T) {
	tr := NewTracker()
	defer tr.Close()
	tr.Init([]string{"a"})

	require.NoError(t, tr.SetLoading("a", "connecting", ""))
	require.NoError(t, tr.SetRetrying("a", "dial refused"))
	require.NoError(t, tr.SetRetrying("a", "dial refused"))

	info, _ := tr.Get("a")
	assert.Equal(t, 2, info.RetryCount)
	assert.Equal(t, "retrying", info.Phase)
	assert.False(t, info.LastRetryTime.IsZero())
}

func TestTracker_Summary(t *testing.T) {
	tr := NewTracker()
	defer tr.Close()
	tr.Init([]string{"a", "b", "c", "d"})

	require.NoError(t, tr.SetLoading("a", "connecting", ""))
	require.NoError(t, tr.SetReady("a"))
	require.NoError(t, tr.SetLoading("b", "connecting", ""))
	require.NoError(t, tr.SetFailed("b", errors.New("boom")))
	require.NoError(t, tr.SetCancelled("c"))

	s := tr.Summary()
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 1, s.Ready)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Cancelled)
	assert.Equal(t, 1, s.Pending)
	assert.False(t, s.IsComplete)
	assert.InDelta(t, 0.25, s.SuccessRate, 1e-9)

	require.NoError(t, tr.SetLoading("d", "connecting", ""))
	require.NoError(t, tr.SetReady("d"))
	s = tr.Summary()
	assert.True(t, s.IsComplete)
	assert.InDelta(t, 0.5, s.SuccessRate, 1e-9)
}

func TestTracker_Events(t *testing.T) {
	tr := NewTracker()
	defer tr.Close()
	tr.Init([]string{"a"})

	ch, cancel := tr.Subscribe()
	defer cancel()

	require.NoError(t, tr.SetLoading("a", "connecting", ""))
	require.NoError(t, tr.SetReady("a"))

	// state-changed(loading), state-changed(ready), server-ready, complete.
	events := collectTrackerEvents(t, ch, 4)
	assert.Equal(t, EventStateChanged, events[0].Type)
	assert.Equal(t, StateLoading, events[0].Info.State)
	assert.Equal(t, EventStateChanged, events[1].Type)
	assert.Equal(t, EventServerReady, events[2].Type)
	assert.Equal(t, "a", events[2].Server)
	assert.Equal(t, EventComplete, events[3].Type)
	assert.True(t, events[3].Summary.IsComplete)
}

func TestTracker_CompleteAnnouncedOnce(t *testing.T) {
	tr := NewTracker()
	defer tr.Close()
	tr.Init([]string{"a"})

	ch, cancel := tr.Subscribe()
	defer cancel()

	require.NoError(t, tr.SetLoading("a", "connecting", ""))
	require.NoError(t, tr.SetFailed("a", errors.New("boom")))
	events := collectTrackerEvents(t, ch, 4)
	assert.Equal(t, EventComplete, events[3].Type)

	// Re-entering Loading re-arms the complete event.
	require.NoError(t, tr.SetLoading("a", "connecting", ""))
	require.NoError(t, tr.SetReady("a"))
	events = collectTrackerEvents(t, ch, 4)
	assert.Equal(t, EventComplete, events[3].Type)
}

func TestTracker_ServersIn(t *testing.T) {
	tr := NewTracker()
	defer tr.Close()
	tr.Init([]string{"b", "a", "c"})

	require.NoError(t, tr.SetLoading("c", "connecting", ""))
	require.NoError(t, tr.SetFailed("c", errors.New("boom")))

	assert.Equal(t, []string{"a", "b"}, tr.ServersIn(StatePending))
	assert.Equal(t, []string{"c"}, tr.ServersIn(StateFailed))
}
