package run

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"system-transparency.org/sbverify/internal/logging"
	"system-transparency.org/sbverify/internal/options"
	"system-transparency.org/sbverify/internal/target"
)

const usage = `Usage:

  sbverify run [-c CONFIG] [-r REPORT] [-n] [-v]

    Runs the complete secure boot lifecycle against the configured target:

      1. assert physical presence, expect keys cleared and no enforcement
      2. enroll PK, KEK, db and dbx, power cycle, expect enforcement
      3. kexec the configured kernels, rejected ones first
      4. assert physical presence again to clear the OS keys

    The run stops at the first failure.  No step is retried.

  Options:

    -c, --config      Target configuration (Default: %s)
    -r, --report      Write a JSON report to this file
    -n, --no-cleanup  Leave the enrolled keys in place after the kexec tests
    -v, --verbose     Debug logging

  Exit status is 3 if a kernel that must be rejected was accepted, 1 on any
  other failure.
`

var (
	optConfig, optReport     string
	optNoCleanup, optVerbose bool
)

func setOptions(fs *pflag.FlagSet) {
	options.AddString(fs, &optConfig, "c", "config", options.DefConfig)
	options.AddString(fs, &optReport, "r", "report", options.DefReport)
	options.AddBool(fs, &optNoCleanup, "n", "no-cleanup", false)
	options.AddBool(fs, &optVerbose, "v", "verbose", false)
}

// Context is canceled on SIGINT and SIGTERM
func Context() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func Main(args []string) error {
	opt := options.New(append([]string{"run"}, args...), func() { fmt.Fprintf(os.Stderr, usage, options.DefConfig) }, setOptions)
	if opt.NArg() != 0 {
		return fmt.Errorf("trailing arguments: %v", opt.Args())
	}

	log, err := logging.New(optVerbose)
	if err != nil {
		return err
	}
	defer log.Sync()

	t, err := target.Load(optConfig, log)
	if err != nil {
		return err
	}
	defer t.Close()
	if optNoCleanup {
		t.Config.SkipCleanup = true
	}
	o, err := t.Orchestrator()
	if err != nil {
		return err
	}

	ctx, cancel := Context()
	defer cancel()
	report, runErr := o.Run(ctx)
	report.Log(log)

	path := optReport
	if path == "" {
		path = t.Config.Report
	}
	if path != "" {
		if err := report.Save(path); err != nil {
			log.Error("write report", zap.String("path", path), zap.Error(err))
		}
	}
	return runErr
}
