package version

import "fmt"

// Version and Commit are injected via -ldflags.
var (
	Version = "dev"
	Commit  = ""
)

// String is the version shown by the CLIs and /api/v1/version.
func String() string {
	if Commit == "" {
		return Version
	}
	return fmt.Sprintf("%s (%s)", Version, Commit)
}
