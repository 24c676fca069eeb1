package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errStore = errors.New("store unreachable")

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(maxFailures int, cooldown time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := New(Settings{Name: "presence-store", MaxFailures: maxFailures, Cooldown: cooldown})
	b.now = clock.now
	return b, clock
}

func fail() error { return errStore }
func ok() error   { return nil }

func TestNewAppliesDefaults(t *testing.T) {
	b := New(Settings{Name: "x"})
	assert.Equal(t, 5, b.settings.MaxFailures)
	assert.Equal(t, 30*time.Second, b.settings.Cooldown)
	assert.Equal(t, StateClosed, b.State())
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, b.Execute(fail), errStore)
	}
	assert.Equal(t, StateClosed, b.State())

	assert.ErrorIs(t, b.Execute(fail), errStore)
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called, "open breaker must skip the operation")
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)

	require.Error(t, b.Execute(fail))
	require.Error(t, b.Execute(fail))
	require.NoError(t, b.Execute(ok))
	require.Error(t, b.Execute(fail))
	require.Error(t, b.Execute(fail))

	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenTrialClosesOnSuccess(t *testing.T) {
	b, clock := newTestBreaker(1, 30*time.Second)

	require.Error(t, b.Execute(fail))
	require.Equal(t, StateOpen, b.State())

	clock.advance(29 * time.Second)
	assert.ErrorIs(t, b.Execute(ok), ErrCircuitOpen)

	clock.advance(time.Second)
	require.NoError(t, b.Execute(ok))
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenTrialReopensOnFailure(t *testing.T) {
	b, clock := newTestBreaker(1, 10*time.Second)

	require.Error(t, b.Execute(fail))
	clock.advance(10 * time.Second)

	assert.ErrorIs(t, b.Execute(fail), errStore)
	assert.Equal(t, StateOpen, b.State())

	// Cooldown restarts from the failed probe.
	clock.advance(5 * time.Second)
	assert.ErrorIs(t, b.Execute(ok), ErrCircuitOpen)
}

func TestHalfOpenAdmitsSingleProbe(t *testing.T) {
	b, clock := newTestBreaker(1, time.Second)
	require.Error(t, b.Execute(fail))
	clock.advance(time.Second)

	inner := make(chan error, 1)
	err := b.Execute(func() error {
		// A concurrent caller during the probe is rejected.
		inner <- b.Execute(ok)
		return nil
	})
	require.NoError(t, err)
	assert.ErrorIs(t, <-inner, ErrCircuitOpen)
	assert.Equal(t, StateClosed, b.State())
}

func TestStateChangeCallback(t *testing.T) {
	var transitions []string
	b := New(Settings{
		Name:        "presence-store",
		MaxFailures: 1,
		Cooldown:    time.Millisecond,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	require.Error(t, b.Execute(fail))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, b.Execute(ok))

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestMetrics(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)
	_ = b.Execute(ok)
	_ = b.Execute(fail)
	_ = b.Execute(fail)
	_ = b.Execute(ok)

	m := b.Metrics()
	assert.Equal(t, "presence-store", m.Name)
	assert.Equal(t, "open", m.State)
	assert.Equal(t, int64(4), m.Requests)
	assert.Equal(t, int64(1), m.Rejected)
	assert.Equal(t, int64(1), m.Successes)
	assert.Equal(t, int64(2), m.Failures)
}
