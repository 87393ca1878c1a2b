package power

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"system-transparency.org/sbverify/internal/fault"
)

type fakeDriver struct {
	on    bool
	calls []string

	// ignoreOff leaves the target running on power off
	ignoreOff bool
}

func (d *fakeDriver) PowerOn(context.Context) error {
	d.calls = append(d.calls, "on")
	d.on = true
	return nil
}

func (d *fakeDriver) PowerOff(context.Context) error {
	d.calls = append(d.calls, "off")
	if !d.ignoreOff {
		d.on = false
	}
	return nil
}

func (d *fakeDriver) IsOn(context.Context) (bool, error) {
	return d.on, nil
}

// fakeProber reports the OS as ready whenever the power is on
type fakeProber struct {
	d     *fakeDriver
	never bool
}

func (p *fakeProber) OSReady(context.Context) (bool, error) {
	if p.never {
		return false, errors.New("connection refused")
	}
	return p.d.on, nil
}

type fakeConsole struct {
	seen []string
	err  error
}

func (c *fakeConsole) Expect(_ context.Context, _ time.Duration, patterns ...string) (int, error) {
	c.seen = append(c.seen, patterns...)
	return 0, c.err
}

var testTimeouts = Timeouts{
	Boot:     50 * time.Millisecond,
	PreBoot:  50 * time.Millisecond,
	PowerOff: 50 * time.Millisecond,
	Verify:   50 * time.Millisecond,
	Poll:     time.Millisecond,
}

func newTestController(t *testing.T) (*Controller, *fakeDriver, *fakeProber, *fakeConsole) {
	d := &fakeDriver{on: true}
	p := &fakeProber{d: d}
	c := &fakeConsole{}
	ctrl := NewController(d, p, testTimeouts, zaptest.NewLogger(t))
	ctrl.SetConsole(c, "")
	return ctrl, d, p, c
}

func TestGotoStateSequences(t *testing.T) {
	for _, table := range []struct {
		desc      string
		sequence  []State
		wantCalls []string
	}{
		{"off", []State{Off}, []string{"off"}},
		{"boot os", []State{OSBooted}, []string{"off", "on"}},
		{"boot os then off", []State{OSBooted, Off}, []string{"off", "on", "off"}},
		{"pre-boot shell", []State{Off, PreBootShell}, []string{"off", "on"}},
		{"shell to os via off", []State{PreBootShell, OSBooted}, []string{"off", "on", "off", "on"}},
		{"os twice", []State{OSBooted, OSBooted}, []string{"off", "on"}},
		{"off twice", []State{Off, Off}, []string{"off"}},
	} {
		ctrl, d, _, _ := newTestController(t)
		for _, s := range table.sequence {
			if err := ctrl.GotoState(context.Background(), s); err != nil {
				t.Fatalf("%s: goto %v: %v", table.desc, s, err)
			}
			if got, want := ctrl.State(), s; got != want {
				t.Errorf("%s: got state %v but wanted %v", table.desc, got, want)
			}
		}
		assert.Equal(t, table.wantCalls, d.calls, table.desc)
	}
}

func TestGotoStateBootTimeout(t *testing.T) {
	ctrl, _, p, _ := newTestController(t)
	p.never = true

	err := ctrl.GotoState(context.Background(), OSBooted)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrStateTransitionTimeout), "got %v", err)

	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, Off, te.From)
	assert.Equal(t, OSBooted, te.To)
	assert.Contains(t, te.Evidence, "connection refused")
	assert.NotEqual(t, OSBooted, ctrl.State())
}

func TestGotoStatePowerOffTimeout(t *testing.T) {
	ctrl, d, _, _ := newTestController(t)
	d.ignoreOff = true

	err := ctrl.GotoState(context.Background(), Off)
	assert.True(t, errors.Is(err, fault.ErrStateTransitionTimeout), "got %v", err)
	assert.Equal(t, Unknown, ctrl.State())
}

func TestGotoStateReverifies(t *testing.T) {
	ctrl, d, _, _ := newTestController(t)
	require.NoError(t, ctrl.GotoState(context.Background(), Off))

	// Someone powered the target on behind our back
	d.on = true
	err := ctrl.GotoState(context.Background(), Off)
	assert.True(t, errors.Is(err, fault.ErrStateTransitionTimeout), "got %v", err)
	assert.Equal(t, Unknown, ctrl.State())
	assert.Equal(t, []string{"off"}, d.calls, "re-verification must not issue power commands")
}

func TestGotoStatePreBootShell(t *testing.T) {
	ctrl, _, _, console := newTestController(t)
	require.NoError(t, ctrl.GotoState(context.Background(), PreBootShell))
	assert.Equal(t, []string{DefaultPreBootMarker}, console.seen)

	ctrl, _, _, console = newTestController(t)
	console.err = fault.ErrConsoleTimeout
	err := ctrl.GotoState(context.Background(), PreBootShell)
	assert.True(t, errors.Is(err, fault.ErrStateTransitionTimeout))
	assert.True(t, errors.Is(err, fault.ErrConsoleTimeout))

	d := &fakeDriver{}
	ctrl = NewController(d, &fakeProber{d: d}, testTimeouts, zaptest.NewLogger(t))
	assert.Error(t, ctrl.GotoState(context.Background(), PreBootShell), "no console")
}

func TestPowerOnAndObserve(t *testing.T) {
	ctrl, d, _, _ := newTestController(t)
	require.NoError(t, ctrl.GotoState(context.Background(), Off))
	require.NoError(t, ctrl.PowerOn(context.Background()))
	assert.Equal(t, Unknown, ctrl.State())

	// The firmware powered itself off again
	d.on = false
	ctrl.Observe(Off)
	require.NoError(t, ctrl.GotoState(context.Background(), OSBooted))
	assert.Equal(t, []string{"off", "on", "on"}, d.calls)
}

func TestGotoStateUnknown(t *testing.T) {
	ctrl, _, _, _ := newTestController(t)
	assert.Error(t, ctrl.GotoState(context.Background(), Unknown))
}

func TestStateString(t *testing.T) {
	for _, table := range []struct {
		s    State
		want string
	}{
		{Unknown, "Unknown"},
		{Off, "Off"},
		{OSBooted, "OSBooted"},
		{PreBootShell, "PreBootShell"},
		{State(9), "State(9)"},
	} {
		if got := table.s.String(); got != table.want {
			t.Errorf("got %q but wanted %q", got, table.want)
		}
	}
}

func TestParseState(t *testing.T) {
	for _, table := range []struct {
		in      string
		want    State
		wantErr bool
	}{
		{"off", Off, false},
		{"os", OSBooted, false},
		{"petitboot", PreBootShell, false},
		{"preboot", PreBootShell, false},
		{"on", Unknown, true},
	} {
		got, err := ParseState(table.in)
		if (err != nil) != table.wantErr || got != table.want {
			t.Errorf("%q: got %v (%v) but wanted %v", table.in, got, err, table.want)
		}
	}
}
