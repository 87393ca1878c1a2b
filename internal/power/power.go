// Package power requests power and firmware states from the target and
// blocks until the target is observably in them.
package power

import (
	"context"
	"fmt"
	"time"

	"github.com/siderolabs/go-retry/retry"
	"go.uber.org/zap"

	"system-transparency.org/sbverify/internal/fault"
)

type State int

const (
	Unknown State = iota
	Off
	OSBooted
	PreBootShell
)

func (s State) String() string {
	switch s {
	case Unknown:
		return "Unknown"
	case Off:
		return "Off"
	case OSBooted:
		return "OSBooted"
	case PreBootShell:
		return "PreBootShell"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ParseState accepts the state names used on the command line
func ParseState(s string) (State, error) {
	switch s {
	case "off":
		return Off, nil
	case "os":
		return OSBooted, nil
	case "petitboot", "preboot":
		return PreBootShell, nil
	default:
		return Unknown, fmt.Errorf("unknown power state %q, want off, os or petitboot", s)
	}
}

// Driver issues power commands.  Implemented by obmcutil over SSH and by
// IPMI chassis commands.
type Driver interface {
	PowerOn(ctx context.Context) error
	PowerOff(ctx context.Context) error
	IsOn(ctx context.Context) (bool, error)
}

// Prober reports whether the operating system is up and accepting commands
type Prober interface {
	OSReady(ctx context.Context) (bool, error)
}

// ConsoleWaiter is the console scanner used to detect the pre-boot shell
type ConsoleWaiter interface {
	Expect(ctx context.Context, timeout time.Duration, patterns ...string) (int, error)
}

type Timeouts struct {
	Boot     time.Duration // power on until the OS answers
	PreBoot  time.Duration // power on until the pre-boot shell marker
	PowerOff time.Duration // power off until status reports off
	Verify   time.Duration // re-verification of the current state
	Poll     time.Duration // interval between status checks
}

// DefaultPreBootMarker is printed by petitboot once its menu is up
const DefaultPreBootMarker = "Petitboot"

// TransitionError is a state that was not observed within its bound
type TransitionError struct {
	From, To State
	Evidence string // last status observation
	Err      error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%v: %v -> %v (last evidence: %s): %v", fault.ErrStateTransitionTimeout, e.From, e.To, e.Evidence, e.Err)
}

func (e *TransitionError) Unwrap() []error {
	return []error{fault.ErrStateTransitionTimeout, e.Err}
}

type Controller struct {
	driver Driver
	prober Prober
	t      Timeouts
	log    *zap.Logger

	console       ConsoleWaiter
	preBootMarker string

	state State
}

func NewController(driver Driver, prober Prober, t Timeouts, log *zap.Logger) *Controller {
	if t.Poll == 0 {
		t.Poll = 5 * time.Second
	}
	return &Controller{
		driver:        driver,
		prober:        prober,
		t:             t,
		log:           log,
		preBootMarker: DefaultPreBootMarker,
	}
}

// SetConsole enables transitions into PreBootShell
func (c *Controller) SetConsole(console ConsoleWaiter, marker string) {
	c.console = console
	if marker != "" {
		c.preBootMarker = marker
	}
}

// State is the last state proven by evidence
func (c *Controller) State() State {
	return c.state
}

// Observe records a state proven by evidence gathered elsewhere, e.g., a
// shutdown message on the console
func (c *Controller) Observe(s State) {
	c.log.Info("observed state", zap.Stringer("from", c.state), zap.Stringer("to", s))
	c.state = s
}

// PowerOn issues a bare power-on without waiting for any destination.  The
// state is Unknown until the caller observes where the target ended up.
func (c *Controller) PowerOn(ctx context.Context) error {
	c.state = Unknown
	if err := c.driver.PowerOn(ctx); err != nil {
		return fmt.Errorf("power on: %w", err)
	}
	return nil
}

// GotoState moves the target into state target.  Requesting the current
// state re-verifies it with a status check.  OSBooted and PreBootShell are
// only entered from Off; other requests are routed through Off.
func (c *Controller) GotoState(ctx context.Context, target State) error {
	if target == Unknown {
		return fmt.Errorf("cannot request state %v", target)
	}
	if target == c.state {
		return c.verify(ctx, target)
	}

	c.log.Info("transition", zap.Stringer("from", c.state), zap.Stringer("to", target))
	if target == Off || c.state != Off {
		if err := c.powerOff(ctx); err != nil {
			return err
		}
		if target == Off {
			return nil
		}
	}
	return c.boot(ctx, target)
}

func (c *Controller) powerOff(ctx context.Context) error {
	from := c.state
	c.state = Unknown
	if err := c.driver.PowerOff(ctx); err != nil {
		return fmt.Errorf("power off: %w", err)
	}
	if err := c.poll(ctx, from, Off, c.t.PowerOff, c.isOff); err != nil {
		return err
	}
	c.state = Off
	return nil
}

func (c *Controller) boot(ctx context.Context, target State) error {
	if target == PreBootShell && c.console == nil {
		return fmt.Errorf("no console to observe %v", target)
	}
	if err := c.PowerOn(ctx); err != nil {
		return err
	}

	switch target {
	case OSBooted:
		if err := c.poll(ctx, Off, target, c.t.Boot, c.osReady); err != nil {
			return err
		}
	case PreBootShell:
		if _, err := c.console.Expect(ctx, c.t.PreBoot, c.preBootMarker); err != nil {
			return &TransitionError{From: Off, To: target, Evidence: "console", Err: err}
		}
	}
	c.state = target
	return nil
}

func (c *Controller) verify(ctx context.Context, s State) error {
	c.log.Debug("verify", zap.Stringer("state", s))
	cond := c.isOn
	switch s {
	case Off:
		cond = c.isOff
	case OSBooted:
		cond = c.osReady
	}
	if err := c.poll(ctx, s, s, c.t.Verify, cond); err != nil {
		c.state = Unknown
		return err
	}
	return nil
}

// poll checks cond until it holds or timeout expires.  Errors from cond are
// expected while the target is in transition and count as evidence only.
func (c *Controller) poll(ctx context.Context, from, to State, timeout time.Duration, cond func(context.Context) (bool, string, error)) error {
	var evidence string
	err := retry.Constant(timeout, retry.WithUnits(c.t.Poll)).RetryWithContext(ctx, func(ctx context.Context) error {
		ok, ev, err := cond(ctx)
		if err != nil {
			evidence = err.Error()
			return retry.ExpectedError(err)
		}
		evidence = ev
		if !ok {
			return retry.ExpectedError(fmt.Errorf("waiting for %v: %s", to, ev))
		}
		return nil
	})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return &TransitionError{From: from, To: to, Evidence: evidence, Err: err}
}

func (c *Controller) isOn(ctx context.Context) (bool, string, error) {
	on, err := c.driver.IsOn(ctx)
	if err != nil {
		return false, "", err
	}
	return on, fmt.Sprintf("power on=%v", on), nil
}

func (c *Controller) isOff(ctx context.Context) (bool, string, error) {
	on, ev, err := c.isOn(ctx)
	return !on && err == nil, ev, err
}

func (c *Controller) osReady(ctx context.Context) (bool, string, error) {
	ok, err := c.prober.OSReady(ctx)
	if err != nil {
		return false, "", err
	}
	return ok, fmt.Sprintf("os ready=%v", ok), nil
}
