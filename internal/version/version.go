// Package version provides build-time version information.
package version

import (
	"runtime/debug"
)

// version and commit are set at build time via -ldflags.
var (
	version = "dev" //nolint:gochecknoglobals // ldflags requires package-level var
	commit  = ""    //nolint:gochecknoglobals // ldflags requires package-level var
)

// String returns the current version.
func String() string {
	return version
}

// Commit returns the VCS revision the binary was built from: the ldflags
// value when set, else the revision recorded by the go toolchain, else "".
func Commit() string {
	if commit != "" {
		return commit
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			return s.Value
		}
	}
	return ""
}

// ShortCommit truncates a commit hash to 12 characters.
func ShortCommit(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

// Full returns the version with the short commit appended when known.
func Full() string {
	if c := ShortCommit(Commit()); c != "" {
		return version + " (" + c + ")"
	}
	return version
}
