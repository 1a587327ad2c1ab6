// Package version holds the build version shared by both binaries.
package version

// Version is overridden in release builds with
// -ldflags "-X github.com/loqalabs/loqa-narrator/internal/version.Version=...".
var Version = "0.1.0-dev"
