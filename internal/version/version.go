// Package version reports the version of this program
package version

import "runtime/debug"

// Version is optionally set through -ldflags "-X ...version.Version=v0.1.0"
var Version = ""

func String() string {
	if Version != "" {
		return Version
	}
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" {
		return bi.Main.Version
	}
	return "(devel)"
}
