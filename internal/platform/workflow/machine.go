// Package workflow implements the guarded state machines behind shipments,
// samples and analyses. Transitions are declared per object type; Try applies
// a transition only when the current state and guard allow it, while Force
// assigns the target state directly and records the event as forced. Forced
// events exist for partner-driven actions whose validity was already decided
// by the sending laboratory.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotAllowed is returned by Try when the object's current state is not a
// valid source for the transition, or when the guard rejects it.
var ErrNotAllowed = errors.New("transition not allowed")

// Stateful is implemented by every object with a workflow state column.
type Stateful interface {
	UID() uuid.UUID
	WorkflowState() string
	SetWorkflowState(state string)
}

// Guard decides whether a transition may run for the given object. Guards see
// the object through the Stateful interface and type-assert to their domain
// type.
type Guard func(ctx context.Context, obj Stateful) (bool, error)

// Transition is one edge of a state machine.
type Transition struct {
	Action string
	From   []string
	To     string
	Guard  Guard
}

// Event is one entry of an object's review history. Append-only.
type Event struct {
	ID        uuid.UUID `db:"id" json:"id"`
	ObjectUID uuid.UUID `db:"object_uid" json:"object_uid"`
	Action    string    `db:"action" json:"action"`
	From      string    `db:"from_state" json:"from"`
	To        string    `db:"to_state" json:"to"`
	Forced    bool      `db:"forced" json:"forced"`
	Actor     string    `db:"actor" json:"actor,omitempty"`
	At        time.Time `db:"at" json:"at"`
}

// Machine holds the transition table for one object type.
type Machine struct {
	transitions map[string]Transition
}

func NewMachine(transitions ...Transition) *Machine {
	m := &Machine{transitions: make(map[string]Transition, len(transitions))}
	for _, t := range transitions {
		m.transitions[t.Action] = t
	}
	return m
}

// Transition returns the declared transition for an action.
func (m *Machine) Transition(action string) (Transition, bool) {
	t, ok := m.transitions[action]
	return t, ok
}

// Allowed reports whether the action may currently run on the object: the
// state must be a valid source and the guard, if any, must accept.
func (m *Machine) Allowed(ctx context.Context, obj Stateful, action string) (bool, error) {
	t, ok := m.transitions[action]
	if !ok {
		return false, fmt.Errorf("unknown action %q", action)
	}
	if !stateIn(obj.WorkflowState(), t.From) {
		return false, nil
	}
	if t.Guard != nil {
		return t.Guard(ctx, obj)
	}
	return true, nil
}

// Try applies the transition when allowed and returns the resulting event.
// The caller persists both the mutated object and the event. Returns
// ErrNotAllowed (possibly wrapped) when the state or guard blocks it.
func (m *Machine) Try(ctx context.Context, obj Stateful, action, actor string) (*Event, error) {
	t, ok := m.transitions[action]
	if !ok {
		return nil, fmt.Errorf("unknown action %q", action)
	}
	return m.tryTo(ctx, obj, action, t.To, actor)
}

// TryTo works like Try but overrides the target state. Used by transitions
// whose destination depends on review history, like the rollback to the
// pre-ship state.
func (m *Machine) TryTo(ctx context.Context, obj Stateful, action, to, actor string) (*Event, error) {
	if _, ok := m.transitions[action]; !ok {
		return nil, fmt.Errorf("unknown action %q", action)
	}
	return m.tryTo(ctx, obj, action, to, actor)
}

func (m *Machine) tryTo(ctx context.Context, obj Stateful, action, to, actor string) (*Event, error) {
	ok, err := m.Allowed(ctx, obj, action)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s from %q", ErrNotAllowed, action, obj.WorkflowState())
	}

	ev := &Event{
		ID:        uuid.New(),
		ObjectUID: obj.UID(),
		Action:    action,
		From:      obj.WorkflowState(),
		To:        to,
		Actor:     actor,
		At:        time.Now(),
	}
	obj.SetWorkflowState(to)
	return ev, nil
}

// Force assigns the transition's target state without checking source states
// or guards, and marks the event as forced. Used by the push consumer after
// the idempotency check rules out a replay.
func (m *Machine) Force(obj Stateful, action, actor string) (*Event, error) {
	t, ok := m.transitions[action]
	if !ok {
		return nil, fmt.Errorf("unknown action %q", action)
	}
	ev := &Event{
		ID:        uuid.New(),
		ObjectUID: obj.UID(),
		Action:    action,
		From:      obj.WorkflowState(),
		To:        t.To,
		Forced:    true,
		Actor:     actor,
		At:        time.Now(),
	}
	obj.SetWorkflowState(t.To)
	return ev, nil
}

func stateIn(state string, states []string) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}

// PreviousState returns the state the object was in before it last entered
// the given state, looked up from review history (newest first or oldest
// first both work since it scans from the end). Falls back when the history
// never entered that state.
func PreviousState(history []Event, enteredState, fallback string) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].To == enteredState {
			return history[i].From
		}
	}
	return fallback
}

// IsLastAction reports whether the most recent history entry applied the
// given action. The push consumer uses this to treat retried partner posts
// as already applied.
func IsLastAction(history []Event, action string) bool {
	if len(history) == 0 {
		return false
	}
	return history[len(history)-1].Action == action
}
