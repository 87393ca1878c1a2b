package options

import (
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// Defaults optionally set in Makefile, through -ldflags which makes it
// necessary to keep these as variables and not put them in a struct.
var DefConfig = "sbverify.yaml"
var DefReport = ""

// New initializes a flag set using the provided arguments.  Parsing stops at
// the first non-option argument, which is where a subcommand starts.
//
//   - args should start with the (sub)command's name
//   - usage is a function that prints a usage message
//   - set is a function that sets the command's flag arguments
func New(args []string, usage func(), set func(*pflag.FlagSet)) *pflag.FlagSet {
	if len(args) == 0 {
		args = append(args, "")
	}

	fs := pflag.NewFlagSet(args[0], pflag.ExitOnError)
	fs.SetInterspersed(false)
	fs.Usage = func() {
		usage()
	}
	set(fs)
	fs.Parse(args[1:])
	return fs
}

// AddBool adds a bool option to a flag set
func AddBool(fs *pflag.FlagSet, opt *bool, short, long string, value bool) {
	fs.BoolVarP(opt, long, short, value, "")
}

// AddString adds a string option to a flag set
func AddString(fs *pflag.FlagSet, opt *string, short, long, value string) {
	fs.StringVarP(opt, long, short, value, "")
}

// AddStringS adds a string-slice option to a flag set.  Values are set by
// repeating the option or with comma-separation.  If the default value is the
// empty string, then no value is appended to the list.  If the default value
// contains one or more comma characters, it is split to multiple values.
//
// Examples:
// - Default value "" would yield nil
// - Default value "foo" would yield []string{"foo"}
// - Default value "foo,bar" would yield []string{"foo", "bar"}
func AddStringS(fs *pflag.FlagSet, opt *[]string, short, long, value string) {
	var def []string
	if value != "" {
		def = strings.Split(value, ",")
	}
	fs.StringSliceVarP(opt, long, short, def, "")
}

// AddInt adds an int option to a flag set
func AddInt(fs *pflag.FlagSet, opt *int, short, long string, value int) {
	fs.IntVarP(opt, long, short, value, "")
}

// AddDuration adds a duration option to a flag set, e.g., "90s" or "5m"
func AddDuration(fs *pflag.FlagSet, opt *time.Duration, short, long string, value time.Duration) {
	fs.DurationVarP(opt, long, short, value, "")
}
