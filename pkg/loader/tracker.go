// Package loader brings outbound servers from Pending to Ready, tracking a
// per-server state machine and enforcing bounded concurrency and retry
// policy.
package loader

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/1mcp-app/onemcp/pkg/events"
)

// State is one outbound server's loading state.
type State string

const (
	StatePending       State = "pending"
	StateLoading       State = "loading"
	StateReady         State = "ready"
	StateFailed        State = "failed"
	StateAwaitingOAuth State = "awaiting-oauth"
	StateCancelled     State = "cancelled"
)

// IsTerminal reports whether the state ends a load cycle. Failed and
// AwaitingOAuth are terminal for the main walk but can re-enter Loading
// (background retry, finishAuth).
func (s State) IsTerminal() bool {
	switch s {
	case StateReady, StateFailed, StateAwaitingOAuth, StateCancelled:
		return true
	}
	return false
}

// Info is one server's loading record. Returned by value; the tracker owns
// the canonical copy.
type Info struct {
	Name             string
	State            State
	StartTime        time.Time
	EndTime          time.Time
	Duration         time.Duration
	RetryCount       int
	LastRetryTime    time.Time
	Phase            string
	Message          string
	Err              error
	AuthorizationURL string
}

// Summary aggregates the tracker across all servers.
type Summary struct {
	Total           int
	Pending         int
	Loading         int
	Ready           int
	Failed          int
	AwaitingOAuth   int
	Cancelled       int
	SuccessRate     float64
	IsComplete      bool
	AverageLoadTime time.Duration
}

// EventType distinguishes tracker notifications.
type EventType string

const (
	EventStateChanged  EventType = "server-state-changed"
	EventServerReady   EventType = "server-ready"
	EventServerFailed  EventType = "server-failed"
	EventOAuthRequired EventType = "oauth-required"
	EventProgress      EventType = "loading-progress"
	EventComplete      EventType = "loading-complete"
)

// Event is published on the tracker's bus. Info carries the server record
// for per-server events; Summary is set on EventComplete and EventProgress.
type Event struct {
	Type    EventType
	Server  string
	Info    Info
	Summary Summary
}

// Tracker records per-server loading state. Transitions for a given server
// are totally ordered under the mutex; invalid transitions are rejected.
type Tracker struct {
	mu      sync.Mutex
	servers map[string]*Info
	bus     *events.Bus[Event]

	// completeAnnounced suppresses duplicate loading-complete events until
	// a server re-enters Pending or Loading.
	completeAnnounced bool
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		servers: make(map[string]*Info),
		bus:     events.NewBus[Event](),
	}
}

// Subscribe registers for tracker events.
func (t *Tracker) Subscribe() (<-chan Event, func()) {
	return t.bus.Subscribe()
}

// Close stops event delivery.
func (t *Tracker) Close() {
	t.bus.Close()
}

// Init registers servers in Pending, replacing any previous records for the
// same names.
func (t *Tracker) Init(names []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, name := range names {
		t.servers[name] = &Info{Name: name, State: StatePending}
	}
	t.completeAnnounced = false
}

// Restore returns a server to Pending, e.g. when a config reload re-adds it.
func (t *Tracker) Restore(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.servers[name] = &Info{Name: name, State: StatePending}
	t.completeAnnounced = false
}

// Remove drops a server's record entirely (config reload removal).
func (t *Tracker) Remove(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.servers, name)
}

// validTransition encodes the state machine. Failed and AwaitingOAuth may
// re-enter Loading; Ready and Cancelled only leave via Restore.
func validTransition(from, to State) bool {
	switch to {
	case StateLoading:
		return from == StatePending || from == StateLoading ||
			from == StateFailed || from == StateAwaitingOAuth
	case StateReady, StateFailed, StateAwaitingOAuth:
		return from == StateLoading
	case StateCancelled:
		return from == StatePending || from == StateLoading
	}
	return false
}

// SetLoading moves a server into Loading with the given phase.
func (t *Tracker) SetLoading(name, phase, message string) error {
	return t.transition(name, StateLoading, func(info *Info) {
		if info.StartTime.IsZero() {
			info.StartTime = time.Now()
		}
		info.Phase = phase
		info.Message = message
		info.Err = nil
		info.AuthorizationURL = ""
	})
}

// SetRetrying marks a retry attempt: the server stays in Loading with an
// incremented retry count.
func (t *Tracker) SetRetrying(name, message string) error {
	return t.transition(name, StateLoading, func(info *Info) {
		info.RetryCount++
		info.LastRetryTime = time.Now()
		info.Phase = "retrying"
		info.Message = message
	})
}

// SetReady marks a successful load.
func (t *Tracker) SetReady(name string) error {
	return t.transition(name, StateReady, func(info *Info) {
		info.EndTime = time.Now()
		info.Duration = info.EndTime.Sub(info.StartTime)
		info.Phase = ""
		info.Message = ""
		info.Err = nil
	})
}

// SetFailed marks an exhausted load.
func (t *Tracker) SetFailed(name string, loadErr error) error {
	return t.transition(name, StateFailed, func(info *Info) {
		info.EndTime = time.Now()
		info.Duration = info.EndTime.Sub(info.StartTime)
		info.Err = loadErr
	})
}

// SetAwaitingOAuth parks a server pending interactive authorization.
func (t *Tracker) SetAwaitingOAuth(name, authorizationURL string) error {
	return t.transition(name, StateAwaitingOAuth, func(info *Info) {
		info.EndTime = time.Now()
		info.Duration = info.EndTime.Sub(info.StartTime)
		info.AuthorizationURL = authorizationURL
	})
}

// SetCancelled marks a cancelled load. Already-terminal servers are left
// untouched without error.
func (t *Tracker) SetCancelled(name string) error {
	t.mu.Lock()
	info, ok := t.servers[name]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("unknown server %q", name)
	}
	if info.State.IsTerminal() {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	return t.transition(name, StateCancelled, func(info *Info) {
		info.EndTime = time.Now()
		if !info.StartTime.IsZero() {
			info.Duration = info.EndTime.Sub(info.StartTime)
		}
	})
}

// SetProgress updates phase/message without a state change.
func (t *Tracker) SetProgress(name, phase, message string) error {
	t.mu.Lock()
	info, ok := t.servers[name]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("unknown server %q", name)
	}
	info.Phase = phase
	info.Message = message
	copied := *info
	summary := t.summaryLocked()
	t.mu.Unlock()

	t.bus.Publish(Event{Type: EventProgress, Server: name, Info: copied, Summary: summary})
	return nil
}

func (t *Tracker) transition(name string, to State, mutate func(*Info)) error {
	t.mu.Lock()
	info, ok := t.servers[name]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("unknown server %q", name)
	}
	if !validTransition(info.State, to) {
		t.mu.Unlock()
		return fmt.Errorf("server %q: invalid transition %s -> %s", name, info.State, to)
	}
	info.State = to
	mutate(info)
	copied := *info

	if to == StateLoading {
		t.completeAnnounced = false
	}
	summary := t.summaryLocked()
	announceComplete := summary.IsComplete && !t.completeAnnounced
	if announceComplete {
		t.completeAnnounced = true
	}
	t.mu.Unlock()

	t.bus.Publish(Event{Type: EventStateChanged, Server: name, Info: copied, Summary: summary})
	switch to {
	case StateReady:
		t.bus.Publish(Event{Type: EventServerReady, Server: name, Info: copied, Summary: summary})
	case StateFailed:
		t.bus.Publish(Event{Type: EventServerFailed, Server: name, Info: copied, Summary: summary})
	case StateAwaitingOAuth:
		t.bus.Publish(Event{Type: EventOAuthRequired, Server: name, Info: copied, Summary: summary})
	}
	if announceComplete {
		t.bus.Publish(Event{Type: EventComplete, Summary: summary})
	}
	return nil
}

// Get returns a copy of one server's record.
func (t *Tracker) Get(name string) (Info, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.servers[name]
	if !ok {
		return Info{}, false
	}
	return *info, true
}

// ServersIn returns the names currently in the given state, sorted.
func (t *Tracker) ServersIn(state State) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var names []string
	for name, info := range t.servers {
		if info.State == state {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Summary returns aggregate counts across all servers.
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.summaryLocked()
}

func (t *Tracker) summaryLocked() Summary {
	s := Summary{Total: len(t.servers)}
	var readyTime time.Duration
	for _, info := range t.servers {
		switch info.State {
		case StatePending:
			s.Pending++
		case StateLoading:
			s.Loading++
		case StateReady:
			s.Ready++
			readyTime += info.Duration
		case StateFailed:
			s.Failed++
		case StateAwaitingOAuth:
			s.AwaitingOAuth++
		case StateCancelled:
			s.Cancelled++
		}
	}
	s.IsComplete = s.Pending == 0 && s.Loading == 0
	if s.Total > 0 {
		s.SuccessRate = float64(s.Ready) / float64(s.Total)
	}
	if s.Ready > 0 {
		s.AverageLoadTime = readyTime / time.Duration(s.Ready)
	}
	return s
}
