package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Caseline-Labs/caseline/core/pkg/audit"
	"github.com/Caseline-Labs/caseline/core/pkg/identity"
)

var agent = identity.Actor{TenantID: "acme", ID: "agent-7"}

type machineFixture struct {
	machine *Machine
	store   *MemoryEntityStore
	log     *audit.MemoryLog
	now     time.Time
}

func newMachineFixture(t *testing.T) *machineFixture {
	t.Helper()
	f := &machineFixture{
		store: NewMemoryEntityStore(),
		log:   audit.NewMemoryLog(),
		now:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	f.machine = NewMachine(CaseDefinition(), f.store, f.log).WithClock(func() time.Time { return f.now })
	return f
}

func (f *machineFixture) start(t *testing.T, entityID string) *Instance {
	t.Helper()
	inst, err := f.machine.Start(context.Background(), "acme", entityID, agent)
	require.NoError(t, err)
	return inst
}

func (f *machineFixture) apply(t *testing.T, inst *Instance, in TransitionInput) *Instance {
	t.Helper()
	out, err := f.machine.Apply(context.Background(), inst, in, agent)
	require.NoError(t, err)
	return out
}

func TestStartUsesInitialState(t *testing.T) {
	f := newMachineFixture(t)
	inst := f.start(t, "c-1")

	assert.Equal(t, StateOpen, inst.State)
	assert.EqualValues(t, 1, inst.Version)
	assert.Equal(t, "acme/agent-7", inst.LastTransitionActor)
}

func TestApplyListedTransition(t *testing.T) {
	f := newMachineFixture(t)
	inst := f.start(t, "c-1")

	out := f.apply(t, inst, TransitionInput{To: StateTriaged})
	assert.Equal(t, StateTriaged, out.State)
	assert.EqualValues(t, 2, out.Version)

	events := f.log.ByEntity("acme", "c-1")
	require.Len(t, events, 1)
	assert.Equal(t, audit.KindTransition, events[0].Kind)
	assert.Equal(t, "open", events[0].FromState)
	assert.Equal(t, "triaged", events[0].ToState)
}

func TestApplyUnlistedTransition(t *testing.T) {
	f := newMachineFixture(t)
	inst := f.start(t, "c-1")

	_, err := f.machine.Apply(context.Background(), inst, TransitionInput{To: StateClosed}, agent)
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, StateOpen, invalid.From)
	assert.Equal(t, StateClosed, invalid.To)
	assert.Zero(t, f.log.Len(), "rejected transition leaves no audit trace")
}

func TestSelfTransitionIsIllegal(t *testing.T) {
	f := newMachineFixture(t)
	inst := f.start(t, "c-1")

	_, err := f.machine.Apply(context.Background(), inst, TransitionInput{To: StateOpen}, agent)
	var invalid *InvalidTransitionError
	assert.ErrorAs(t, err, &invalid)
}

func TestTerminalStateHasNoExit(t *testing.T) {
	f := newMachineFixture(t)
	inst := f.start(t, "c-1")
	inst = f.apply(t, inst, TransitionInput{To: StateInProgress})
	inst = f.apply(t, inst, TransitionInput{To: StateResolved, Annotation: "fixed"})
	inst = f.apply(t, inst, TransitionInput{To: StateClosed})

	for _, to := range []State{StateOpen, StateInProgress, StateResolved, StateClosed} {
		_, err := f.machine.Apply(context.Background(), inst, TransitionInput{To: to, Annotation: "x"}, agent)
		var invalid *InvalidTransitionError
		assert.ErrorAs(t, err, &invalid, "closed -> %s must be rejected", to)
	}
}

func TestAnnotationMandatoryFailsClosed(t *testing.T) {
	f := newMachineFixture(t)
	inst := f.start(t, "c-1")
	inst = f.apply(t, inst, TransitionInput{To: StateInProgress})

	for _, annotation := range []string{"", "   ", "\t\n"} {
		_, err := f.machine.Apply(context.Background(), inst, TransitionInput{To: StateResolved, Annotation: annotation}, agent)
		assert.ErrorIs(t, err, ErrMissingAnnotation)
	}
	assert.EqualValues(t, 2, inst.Version, "failed transitions do not bump the version")
}

func TestParkRequiresFutureResumeAt(t *testing.T) {
	f := newMachineFixture(t)
	inst := f.start(t, "c-1")
	inst = f.apply(t, inst, TransitionInput{To: StateInProgress})

	_, err := f.machine.Apply(context.Background(), inst, TransitionInput{To: StateParked, Annotation: "await customer"}, agent)
	assert.ErrorIs(t, err, ErrMissingResumeAt)

	past := f.now.Add(-time.Hour)
	_, err = f.machine.Apply(context.Background(), inst, TransitionInput{To: StateParked, Annotation: "await customer", ResumeAt: &past}, agent)
	assert.ErrorIs(t, err, ErrMissingResumeAt)

	future := f.now.Add(48 * time.Hour)
	out, err := f.machine.Apply(context.Background(), inst, TransitionInput{To: StateParked, Annotation: "await customer", ResumeAt: &future}, agent)
	require.NoError(t, err)
	require.NotNil(t, out.ParkedUntil)
	assert.Equal(t, future, *out.ParkedUntil)

	events := f.log.ByEntity("acme", "c-1")
	last := events[len(events)-1]
	assert.Equal(t, future.UTC().Format(time.RFC3339), last.Metadata["resume_at"])
}

func TestUnparkClearsParkedUntil(t *testing.T) {
	f := newMachineFixture(t)
	inst := f.start(t, "c-1")
	inst = f.apply(t, inst, TransitionInput{To: StateInProgress})
	future := f.now.Add(time.Hour)
	inst = f.apply(t, inst, TransitionInput{To: StateParked, Annotation: "waiting", ResumeAt: &future})

	out := f.apply(t, inst, TransitionInput{To: StateInProgress})
	assert.Nil(t, out.ParkedUntil)
}

func TestReopenRequiresAnnotation(t *testing.T) {
	f := newMachineFixture(t)
	inst := f.start(t, "c-1")
	inst = f.apply(t, inst, TransitionInput{To: StateInProgress})
	inst = f.apply(t, inst, TransitionInput{To: StateResolved, Annotation: "fixed"})

	_, err := f.machine.Apply(context.Background(), inst, TransitionInput{To: StateInProgress}, agent)
	assert.ErrorIs(t, err, ErrMissingAnnotation)

	out := f.apply(t, inst, TransitionInput{To: StateInProgress, Annotation: "regression reported"})
	assert.Equal(t, StateInProgress, out.State)
}

func TestConcurrentTransitionLosesVersionRace(t *testing.T) {
	f := newMachineFixture(t)
	inst := f.start(t, "c-1")

	// Two actors loaded the same version; the second Apply must fail.
	stale := *inst
	f.apply(t, inst, TransitionInput{To: StateTriaged})

	_, err := f.machine.Apply(context.Background(), &stale, TransitionInput{To: StateInProgress}, agent)
	assert.ErrorIs(t, err, ErrStaleEntity)
}

func TestCaseDefinitionIsValid(t *testing.T) {
	assert.NoError(t, CaseDefinition().Validate())
}

func TestValidateRejectsBrokenParkPath(t *testing.T) {
	def := &Definition{
		EntityType: "case",
		Initial:    "open",
		Transitions: map[State]map[State]Rule{
			"open":   {"parked": {}},
			"parked": {},
		},
		ParkState:   "parked",
		ResumeState: "open",
	}
	assert.Error(t, def.Validate())
}
