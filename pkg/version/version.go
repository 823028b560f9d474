// Package version carries build information. Version, BuildDate and
// GitCommit are overridden at link time with -ldflags "-X ...".
package version

import "runtime"

var (
	// Version is the release version
	Version = "0.1.0"

	// BuildDate is set during build
	BuildDate = ""

	// GitCommit is set during build
	GitCommit = ""
)

const (
	// AppName is the application name
	AppName = "empbroker"

	// AppDescription is the application description
	AppDescription = "EMP message broker"
)

// Info is the build information reported by the admin API and the binaries
type Info struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
	BuildDate   string `json:"build_date,omitempty"`
	GitCommit   string `json:"git_commit,omitempty"`
	GoVersion   string `json:"go_version"`
}

// Get returns the build information
func Get() Info {
	return Info{
		Name:        AppName,
		Version:     Version,
		Description: AppDescription,
		BuildDate:   BuildDate,
		GitCommit:   GitCommit,
		GoVersion:   runtime.Version(),
	}
}

func (i Info) String() string {
	s := i.Name + " " + i.Version
	if i.GitCommit != "" {
		s += " (" + i.GitCommit + ")"
	}
	return s
}
