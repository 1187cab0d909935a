// Package version carries build identification stamped in via ldflags.
package version

var (
	// Version is the release tag, or a dev placeholder.
	Version = "v0.0.0-dev"

	// GitCommit is the short hash of the commit that was built.
	GitCommit = "unknown"

	// BuildTime is when the binary was produced.
	BuildTime = "unknown"
)

// Info renders the three fields as a single human-readable line.
func Info() string {
	return Version + " (" + GitCommit + ") built at " + BuildTime
}
