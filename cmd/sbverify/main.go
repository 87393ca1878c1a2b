package main

import (
	"fmt"
	"os"

	"system-transparency.org/sbverify/internal/fault"
	"system-transparency.org/sbverify/internal/version"
	"system-transparency.org/sbverify/subcmd/auth"
	"system-transparency.org/sbverify/subcmd/phase"
	"system-transparency.org/sbverify/subcmd/run"
)

const usage = `Usage:

  sbverify run     Runs the complete secure boot lifecycle (see "run -h")
  sbverify phase   Outputs detailed usage of sbverify-phase
  sbverify auth    Outputs detailed usage of sbverify-auth
  sbverify version Outputs the version of this program

Cheat sheet:

  ### LAB KEYS
  sbverify auth generate -o keys -r kernels/vmlinux-revoked
  sbverify auth check keys/*.auth

  ### FULL RUN
  sbverify run -c lab.yaml -r report.json

  ### ONE STEP AT A TIME
  sbverify phase presence -c lab.yaml
  sbverify phase enroll -c lab.yaml
  sbverify phase check -c lab.yaml -e
  sbverify phase kexec -c lab.yaml
  sbverify phase cleanup -c lab.yaml
`

// Exit statuses
const (
	exitFailure            = 1
	exitSecurityRegression = 3
)

func main() {
	name, err := dispatch(os.Args[1:])
	if err != nil {
		format := "sbverify %s%s\n"
		if len(name) == 0 {
			format = "sbverify%s%s\n"
		}
		fmt.Fprintf(os.Stderr, format, name, err.Error())

		if fault.Severity(err) == fault.LevelSecurityRegression {
			fmt.Fprintf(os.Stderr, "sbverify: SECURITY REGRESSION: %s\n", fault.Kind(err))
			os.Exit(exitSecurityRegression)
		}
		os.Exit(exitFailure)
	}
}

// dispatch hands everything after the command name to the command, which
// parses its own options
func dispatch(args []string) (string, error) {
	var name string
	if len(args) > 0 {
		name, args = args[0], args[1:]
	}

	switch name {
	case "help", "-h", "--help", "":
		fmt.Fprint(os.Stderr, usage)
	case "run":
		if err := run.Main(args); err != nil {
			return name, fmt.Errorf(": %w", err)
		}
	case "phase":
		return name, phase.Main(args)
	case "auth":
		return name, auth.Main(args)
	case "version":
		fmt.Println(version.String())
	default:
		return name, fmt.Errorf(": invalid command %q, try \"help\"", name)
	}
	return name, nil
}
