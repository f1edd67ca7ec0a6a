// Package version holds the build-time version string, set by goreleaser
// at release time and left at its development default otherwise.
package version

// Version is overwritten via -ldflags at release build time.
var Version = "0.1.0-dev"
