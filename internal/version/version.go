// Package version holds build-time version metadata, set via -ldflags.
package version

// Version and Commit are overridden at build time:
//
//	go build -ldflags "-X github.com/butlerdotdev/butler-registry/internal/version.Version=1.2.3 -X .../version.Commit=abcdef"
var (
	Version = "dev"
	Commit  = "unknown"
)
