package version

import "fmt"

// Build metadata, set with -ldflags "-X moneymate/internal/version.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// String renders the metadata for the version command and HTTP user agents.
func String() string {
	return fmt.Sprintf("moneymate %s\ncommit: %s\nbuilt: %s", Version, Commit, BuildDate)
}

// UserAgent is the default User-Agent for upstream rate APIs.
func UserAgent() string {
	return "moneymate/" + Version
}
