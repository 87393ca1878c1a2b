package phase

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"system-transparency.org/sbverify/internal/logging"
	"system-transparency.org/sbverify/internal/options"
	"system-transparency.org/sbverify/internal/orchestrator"
	"system-transparency.org/sbverify/internal/power"
	"system-transparency.org/sbverify/internal/target"
	"system-transparency.org/sbverify/subcmd/run"
)

const usage = `Usage:

  sbverify phase presence|enroll|kexec|cleanup [-c CONFIG] [-r REPORT] [-v]

    Runs a single phase of the lifecycle.  The target must already be in the
    state the phase starts from, e.g., enroll expects physical presence to
    have been asserted.

  sbverify phase check [-e] [-m] [-c CONFIG] [-v]

    Reads the secure boot attributes of the running host.

    -e, --enforcing  Expect os-secureboot-enforcing to be present
    -m, --markers    Expect physical-presence-asserted and clear-os-keys

  sbverify phase power [-c CONFIG] [-v] off|os|petitboot

    Moves the target into a power state and waits until it is observed.

  Options:

    -c, --config   Target configuration (Default: %s)
    -r, --report   Write a JSON report to this file
    -v, --verbose  Debug logging
`

var (
	optConfig, optReport    string
	optVerbose              bool
	optEnforcing, optMarker bool
)

var phases = map[string]orchestrator.Phase{
	"presence": orchestrator.PhaseAssertPresence,
	"enroll":   orchestrator.PhaseEnrollKeys,
	"kexec":    orchestrator.PhaseKexec,
	"cleanup":  orchestrator.PhaseCleanup,
}

func setOptions(fs *pflag.FlagSet) {
	options.AddString(fs, &optConfig, "c", "config", options.DefConfig)
	options.AddBool(fs, &optVerbose, "v", "verbose", false)
	switch cmd := fs.Name(); cmd {
	case "check":
		options.AddBool(fs, &optEnforcing, "e", "enforcing", false)
		options.AddBool(fs, &optMarker, "m", "markers", false)
	case "power":
	default:
		options.AddString(fs, &optReport, "r", "report", options.DefReport)
	}
}

func Main(args []string) error {
	var err error

	opt := options.New(args, func() { fmt.Fprintf(os.Stderr, usage, options.DefConfig) }, setOptions)
	switch name := opt.Name(); name {
	case "help", "":
		opt.Usage()
	case "check":
		err = check(opt.Args())
	case "power":
		err = gotoState(opt.Args())
	default:
		p, ok := phases[name]
		if !ok {
			err = fmt.Errorf("invalid command %q, try \"help\"", name)
			break
		}
		err = runPhase(opt.Args(), p)
	}

	if err != nil {
		format := " %s: %w"
		if len(opt.Name()) == 0 {
			format = "%s: %w"
		}
		err = fmt.Errorf(format, opt.Name(), err)
	}

	return err
}

func setup() (*target.Target, *zap.Logger, error) {
	log, err := logging.New(optVerbose)
	if err != nil {
		return nil, nil, err
	}
	t, err := target.Load(optConfig, log)
	if err != nil {
		return nil, nil, err
	}
	return t, log, nil
}

func runPhase(args []string, p orchestrator.Phase) error {
	if len(args) != 0 {
		return fmt.Errorf("trailing arguments: %v", args)
	}
	t, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()
	defer t.Close()

	o, err := t.Orchestrator()
	if err != nil {
		return err
	}
	ctx, cancel := run.Context()
	defer cancel()

	report, runErr := o.RunPhase(ctx, p)
	report.Log(log)
	if optReport != "" {
		if err := report.Save(optReport); err != nil {
			log.Error("write report", zap.String("path", optReport), zap.Error(err))
		}
	}
	return runErr
}

func check(args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("trailing arguments: %v", args)
	}
	t, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()
	defer t.Close()

	ctx, cancel := run.Context()
	defer cancel()
	snap, err := t.Checker.CheckEnforcement(ctx, optEnforcing, optMarker)
	fmt.Println(snap)
	return err
}

func gotoState(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("want exactly one state, got %v", args)
	}
	state, err := power.ParseState(args[0])
	if err != nil {
		return err
	}
	t, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()
	defer t.Close()

	ctx, cancel := run.Context()
	defer cancel()
	if state == power.PreBootShell {
		c, err := t.OpenConsole(ctx)
		if err != nil {
			return err
		}
		defer c.Close()
		t.Power.SetConsole(c, t.Config.Power.PreBootMarker)
	}
	if err := t.Power.GotoState(ctx, state); err != nil {
		return err
	}
	log.Info("reached state", zap.Stringer("state", t.Power.State()))
	return nil
}
