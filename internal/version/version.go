package version

var (
	// Version is the current application version.
	// Populated by the build system (ldflags); the fallback tracks RELEASE.
	Version = "v0.9.2"

	// Commit is the git short hash of the build.
	Commit = "unknown"

	// Date is the build timestamp.
	Date = "unknown"
)
