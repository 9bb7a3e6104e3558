// Package lifecycle validates and applies status transitions for tracked
// entities. The transition table is explicit and total: every pair not
// listed is illegal, terminal states have no outgoing set, and
// annotation-mandatory transitions fail closed.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Caseline-Labs/caseline/core/pkg/audit"
	"github.com/Caseline-Labs/caseline/core/pkg/identity"
)

var (
	// ErrMissingAnnotation rejects an annotation-mandatory transition with
	// an empty or whitespace-only annotation.
	ErrMissingAnnotation = errors.New("lifecycle: transition requires an annotation")

	// ErrMissingResumeAt rejects a park transition without a future resume
	// timestamp.
	ErrMissingResumeAt = errors.New("lifecycle: transition requires a future resume timestamp")

	// ErrStaleEntity signals a concurrent transition won the version race;
	// the caller's unit of work must roll back and the client may retry.
	ErrStaleEntity = errors.New("lifecycle: entity was modified concurrently")

	// ErrEntityNotFound is returned when the entity does not exist.
	ErrEntityNotFound = errors.New("lifecycle: entity not found")
)

// InvalidTransitionError reports a (from, to) pair missing from the table.
type InvalidTransitionError struct {
	EntityType string
	From, To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("lifecycle: %s has no transition %s -> %s", e.EntityType, e.From, e.To)
}

// State is a named lifecycle state.
type State string

// Rule constrains a single listed transition.
type Rule struct {
	// RequiresAnnotation demands a non-blank free-text justification.
	RequiresAnnotation bool `json:"requires_annotation" yaml:"requires_annotation"`
	// RequiresResumeAt demands a future resume timestamp (park states).
	RequiresResumeAt bool `json:"requires_resume_at" yaml:"requires_resume_at"`
}

// Definition is the transition table for one entity type.
type Definition struct {
	EntityType string
	Initial    State
	// Transitions lists every legal (from, to) pair. States absent as a
	// source, or present with an empty target set, are terminal.
	Transitions map[State]map[State]Rule
	// ParkState and ResumeState drive the periodic auto-resume sweep.
	ParkState   State
	ResumeState State
}

// States returns all states named anywhere in the table.
func (d *Definition) States() map[State]bool {
	out := map[State]bool{d.Initial: true}
	for from, targets := range d.Transitions {
		out[from] = true
		for to := range targets {
			out[to] = true
		}
	}
	return out
}

// Terminal reports whether the state has no outgoing transitions.
func (d *Definition) Terminal(s State) bool {
	return len(d.Transitions[s]) == 0
}

// AssertTransition validates a (from, to) pair against the table. Self
// transitions are illegal unless explicitly listed.
func (d *Definition) AssertTransition(from, to State) (Rule, error) {
	rule, ok := d.Transitions[from][to]
	if !ok {
		return Rule{}, &InvalidTransitionError{EntityType: d.EntityType, From: from, To: to}
	}
	return rule, nil
}

// Instance is one tracked entity's lifecycle position.
type Instance struct {
	TenantID            string     `json:"tenant_id"`
	EntityID            string     `json:"entity_id"`
	State               State      `json:"state"`
	Version             int64      `json:"version"`
	ParkedUntil         *time.Time `json:"parked_until,omitempty"`
	LastTransitionActor string     `json:"last_transition_actor,omitempty"`
	LastTransitionAt    time.Time  `json:"last_transition_at,omitempty"`
}

// TransitionInput carries the caller-supplied parts of a transition.
type TransitionInput struct {
	To         State
	Annotation string
	ResumeAt   *time.Time
}

// EntityStore persists lifecycle positions. UpdateState must apply an
// optimistic version check so two concurrent transitions on the same
// entity serialize: the loser gets ErrStaleEntity and its unit of work
// rolls back.
type EntityStore interface {
	Get(ctx context.Context, tenantID, entityID string) (*Instance, error)
	Create(ctx context.Context, inst *Instance) error
	UpdateState(ctx context.Context, inst *Instance, expectedVersion int64) error
	// ListParkedBefore returns parked entities whose resume timestamp has
	// elapsed, for the sweep.
	ListParkedBefore(ctx context.Context, state State, before time.Time, limit int) ([]*Instance, error)
}

// Machine applies transitions for one entity type, producing exactly one
// audit event per successful transition inside the same unit of work.
type Machine struct {
	def     *Definition
	store   EntityStore
	auditor audit.Appender
	now     func() time.Time
}

// NewMachine builds a machine over a definition, store and audit sink.
func NewMachine(def *Definition, store EntityStore, auditor audit.Appender) *Machine {
	return &Machine{def: def, store: store, auditor: auditor, now: time.Now}
}

// WithClock injects a clock, for tests.
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

// Definition returns the machine's transition table.
func (m *Machine) Definition() *Definition { return m.def }

// Store exposes the backing entity store for read paths.
func (m *Machine) Store() EntityStore { return m.store }

// Start creates an entity in the definition's initial state.
func (m *Machine) Start(ctx context.Context, tenantID, entityID string, actor identity.Actor) (*Instance, error) {
	inst := &Instance{
		TenantID:            tenantID,
		EntityID:            entityID,
		State:               m.def.Initial,
		Version:             1,
		LastTransitionActor: actor.String(),
		LastTransitionAt:    m.now().UTC(),
	}
	if err := m.store.Create(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// Apply validates and executes one transition. All required fields are
// validated before anything is written; the entity update and its audit
// event share the caller's unit of work, so an audit failure rolls back
// the transition.
func (m *Machine) Apply(ctx context.Context, inst *Instance, in TransitionInput, actor identity.Actor) (*Instance, error) {
	rule, err := m.def.AssertTransition(inst.State, in.To)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	if rule.RequiresAnnotation && strings.TrimSpace(in.Annotation) == "" {
		return nil, ErrMissingAnnotation
	}
	if rule.RequiresResumeAt && (in.ResumeAt == nil || !in.ResumeAt.After(now)) {
		return nil, ErrMissingResumeAt
	}

	updated := *inst
	updated.State = in.To
	updated.Version = inst.Version + 1
	updated.LastTransitionActor = actor.String()
	updated.LastTransitionAt = now
	if in.To == m.def.ParkState {
		updated.ParkedUntil = in.ResumeAt
	} else {
		updated.ParkedUntil = nil
	}

	if err := m.store.UpdateState(ctx, &updated, inst.Version); err != nil {
		return nil, err
	}

	ev := audit.Event{
		Kind:       audit.KindTransition,
		TenantID:   inst.TenantID,
		EntityID:   inst.EntityID,
		Actor:      actor.String(),
		FromState:  string(inst.State),
		ToState:    string(in.To),
		Annotation: in.Annotation,
		Timestamp:  now,
	}
	if in.ResumeAt != nil {
		ev.Metadata = map[string]string{"resume_at": in.ResumeAt.UTC().Format(time.RFC3339)}
	}
	if _, err := m.auditor.Append(ctx, ev); err != nil {
		return nil, fmt.Errorf("lifecycle: record transition: %w", err)
	}

	return &updated, nil
}
