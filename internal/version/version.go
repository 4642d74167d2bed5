// Package version holds build metadata injected with -ldflags.
package version

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info is the JSON shape of build metadata.
type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

func Full() string {
	return Version + " (" + Commit + ") " + Date
}

func Short() string {
	return Version
}

// Get returns the build metadata.
func Get() Info {
	return Info{Version: Version, Commit: Commit, Date: Date}
}

// UserAgent is sent by outbound HTTP clients.
func UserAgent() string {
	return "diagnostico/" + Version
}
