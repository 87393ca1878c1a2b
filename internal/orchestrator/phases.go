package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"system-transparency.org/sbverify/internal/fault"
	"system-transparency.org/sbverify/internal/hexify"
	"system-transparency.org/sbverify/internal/ipmi"
	"system-transparency.org/sbverify/internal/power"
	"system-transparency.org/sbverify/internal/secvar"
)

func (o *Orchestrator) assertPresence(ctx context.Context, run *phaseRun) error {
	return o.presence(ctx, run)
}

// cleanup repeats the presence assertion so that the next run starts
// without OS keys.  The superseded enrollment cycle is kept for the report.
func (o *Orchestrator) cleanup(ctx context.Context, run *phaseRun) error {
	if err := o.presence(ctx, run); err != nil {
		return err
	}
	o.Keys.Reset()
	return nil
}

// presence opens the physical presence window, follows the firmware
// through its forced shutdown, then boots and confirms that the OS keys
// were cleared and enforcement is off.
func (o *Orchestrator) presence(ctx context.Context, run *phaseRun) error {
	if o.Stager != nil && (len(o.cfg.AttrImage) > 0 || len(o.cfg.CFAMOverrides) > 0) {
		if err := o.Stager.StagePresence(ctx, o.cfg.AttrImage, o.cfg.CFAMOverrides); err != nil {
			return fmt.Errorf("stage presence overrides: %w", err)
		}
		run.note("staged presence overrides")
	}
	if err := o.Power.GotoState(ctx, power.Off); err != nil {
		return err
	}
	run.note("target off")

	resp, err := ipmi.AssertPresenceWindow(ctx, o.Channel)
	result := PresenceAssertionResult{Response: hexify.Format(resp)}
	if resp != nil {
		run.note("presence window response [%s]", result.Response)
	}
	if err != nil {
		if resp != nil {
			o.report.Presence = append(o.report.Presence, result)
		}
		return err
	}

	console, err := o.Console(ctx)
	if err != nil {
		return fmt.Errorf("open console: %w", err)
	}
	defer console.Close()

	if err := o.Power.PowerOn(ctx); err != nil {
		return err
	}
	for _, step := range []struct {
		marker  string
		timeout time.Duration
	}{
		{MarkerWindowOpened, o.cfg.WindowTimeout},
		{MarkerPowerOffNotice, o.cfg.NoticeTimeout},
		{MarkerShutdownComplete, o.cfg.ShutdownTimeout},
	} {
		if _, err := console.Expect(ctx, step.timeout, step.marker); err != nil {
			run.note("console tail: %s", lastLines(console.Transcript(), 10))
			o.report.Presence = append(o.report.Presence, result)
			return fmt.Errorf("%w: %q: %w", fault.ErrPresenceWindowNotObserved, step.marker, err)
		}
		result.Console = append(result.Console, step.marker)
		run.note("console: %s", step.marker)
	}
	result.Observed = true
	o.report.Presence = append(o.report.Presence, result)

	// The firmware powered the target off by itself
	o.Power.Observe(power.Off)
	if err := o.Power.GotoState(ctx, power.OSBooted); err != nil {
		return err
	}
	run.note("os booted")
	return o.check(ctx, run, false, true)
}

func (o *Orchestrator) check(ctx context.Context, run *phaseRun, enforcing, markers bool) error {
	snap, err := o.Checker.CheckEnforcement(ctx, enforcing, markers)
	o.report.Snapshots = append(o.report.Snapshots, snap)
	run.note("snapshot: %v", snap)
	return err
}

// enrollKeys issues the hierarchy in order, power cycles so the firmware
// processes the updates, and confirms that enforcement is on
func (o *Orchestrator) enrollKeys(ctx context.Context, run *phaseRun) error {
	for _, class := range secvar.Order {
		if len(o.cfg.Keys[class]) == 0 {
			return fmt.Errorf("%w: no %v update configured", fault.ErrEnrollmentSequencing, class)
		}
	}
	if err := o.Power.GotoState(ctx, power.OSBooted); err != nil {
		return err
	}
	o.Keys.Reset()
	for _, class := range secvar.Order {
		blob := o.cfg.Keys[class]
		if err := o.Keys.Enroll(ctx, class, blob); err != nil {
			return err
		}
		run.note("issued %v update (%d bytes)", class, len(blob))
	}
	o.state = KeysEnrolled

	if err := o.Power.GotoState(ctx, power.Off); err != nil {
		return err
	}
	if err := o.sleep(ctx, o.cfg.Settle); err != nil {
		return err
	}
	if err := o.Power.GotoState(ctx, power.Off); err != nil {
		return fmt.Errorf("confirm off: %w", err)
	}
	run.note("off confirmed after %v", o.cfg.Settle)
	if err := o.sleep(ctx, o.cfg.Settle); err != nil {
		return err
	}
	if err := o.Power.GotoState(ctx, power.OSBooted); err != nil {
		return err
	}
	run.note("os booted")

	outcome := secvar.Enforced
	err := o.check(ctx, run, true, false)
	if err != nil {
		outcome = secvar.NotEnforced
	}
	if cerr := o.Keys.Confirm(outcome); cerr != nil {
		run.log.Warn("record outcome", zap.Error(cerr))
	}
	o.report.Enrollments = summarize(o.Keys.Records())
	return err
}

// kexec loads each kernel and classifies the result.  Rejected kernels come
// first.
func (o *Orchestrator) kexec(ctx context.Context, run *phaseRun) error {
	if len(o.cfg.Kernels) == 0 {
		return fmt.Errorf("no kernels configured")
	}
	if err := o.Power.GotoState(ctx, power.OSBooted); err != nil {
		return err
	}
	for _, k := range o.cfg.Kernels {
		p, err := o.Checker.Stage(ctx, k.Name, k.Image)
		if err != nil {
			return err
		}
		a, err := o.Checker.AttemptKexec(ctx, p, k.Expected)
		if a.Image != "" {
			o.report.Kexec = append(o.report.Kexec, a)
		}
		run.note("kexec %s: expected %v, observed %v (exit %d)", k.Name, k.Expected, a.Observed, a.ExitStatus)
		if err != nil {
			return err
		}
	}
	return nil
}

// lastLines returns at most n trailing lines of s
func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
