// Package version provides version information for hearthd.
package version

// Version is set via ldflags during release builds.
//
//nolint:gochecknoglobals // intentionally global for ldflags injection
var Version = "dev"
