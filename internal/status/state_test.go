package status

import (
	"testing"
	"time"

	"github.com/matheus3301/msync/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Disconnected {
		t.Errorf("initial state = %s, want DISCONNECTED", m.Current())
	}
	if m.Connected() {
		t.Error("Connected() = true before any transition")
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Disconnected, Connecting},
		{Connecting, Authenticated},
		{Connecting, Reconnecting},
		{Connecting, Offline},
		{Authenticated, Reconnecting},
		{Authenticated, Closing},
		{Reconnecting, Connecting},
		{Reconnecting, Offline},
		{Offline, Connecting},
		{Closing, Disconnected},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Disconnected, Authenticated},
		{Offline, Authenticated},
		{Closing, Connecting},
		{Authenticated, Connecting},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err == nil {
				t.Errorf("Transition(%s -> %s) should fail", tt.from, tt.to)
			}
			if m.Current() != tt.from {
				t.Errorf("state = %s, want %s (unchanged)", m.Current(), tt.from)
			}
		})
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("conn.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		if evt.Kind != bus.ConnStatusChanged {
			t.Errorf("event kind = %q, want %s", evt.Kind, bus.ConnStatusChanged)
		}
		change, ok := evt.Payload.(StatusChange)
		if !ok {
			t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
		}
		if change.From != Disconnected || change.To != Connecting {
			t.Errorf("change = %v -> %v, want DISCONNECTED -> CONNECTING", change.From, change.To)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for status event")
	}
}

// TestGiveUpAndRetry simulates exhausting reconnect attempts and a manual
// reconnect afterwards.
func TestGiveUpAndRetry(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Authenticated)

	if err := walk(m, Reconnecting, Connecting, Reconnecting, Offline); err != nil {
		t.Fatalf("walk: %v (current: %s)", err, m.Current())
	}
	if err := walk(m, Connecting, Authenticated); err != nil {
		t.Fatalf("manual reconnect: %v", err)
	}
	if !m.Connected() {
		t.Errorf("state = %s, want AUTHENTICATED", m.Current())
	}
}

func TestDisconnectFromEveryLiveState(t *testing.T) {
	for _, from := range []State{Connecting, Authenticated, Reconnecting, Offline} {
		t.Run(string(from), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, from)
			if err := walk(m, Closing, Disconnected); err != nil {
				t.Fatalf("close from %s: %v", from, err)
			}
		})
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Disconnected:  {},
		Connecting:    {Connecting},
		Authenticated: {Connecting, Authenticated},
		Reconnecting:  {Connecting, Authenticated, Reconnecting},
		Offline:       {Connecting, Offline},
		Closing:       {Connecting, Closing},
	}
	if err := walk(m, paths[target]...); err != nil {
		t.Fatalf("walkTo(%s): %v", target, err)
	}
}

// walk applies each transition in order, stopping at the first invalid one.
func walk(m *Machine, states ...State) error {
	for _, s := range states {
		if err := m.Transition(s); err != nil {
			return err
		}
	}
	return nil
}
