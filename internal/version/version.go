// Package version carries build metadata for the marketplace service. The
// package-level variables are stamped with -ldflags at build time.
package version

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
)

var (
	// Version is the release tag or short commit, e.g. "v0.4.1".
	// Set via: -ldflags "-X marketplace/internal/version.Version=..."
	Version = "dev"

	// BuildDate is the UTC build timestamp in RFC 3339 form.
	BuildDate = "unknown"

	// GitCommit is the full commit SHA the binary was built from.
	GitCommit = "unknown"
)

// Info is the build metadata plus per-process identity.
type Info struct {
	Version    string `json:"version"`
	GitCommit  string `json:"git_commit"`
	BuildDate  string `json:"build_date"`
	InstanceID string `json:"instance_id"`
	Hostname   string `json:"hostname"`
}

var (
	once sync.Once
	info Info
)

// GetInfo returns the build metadata. The instance ID and hostname are
// resolved once per process.
func GetInfo() Info {
	once.Do(func() {
		info = Info{
			Version:    Version,
			GitCommit:  GitCommit,
			BuildDate:  BuildDate,
			InstanceID: uuid.NewString(),
			Hostname:   hostname(),
		}
	})
	return info
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "unknown"
	}
	return name
}

// Short returns the commit truncated to 7 characters for log lines.
func (i Info) Short() string {
	if len(i.GitCommit) > 7 {
		return i.GitCommit[:7]
	}
	return i.GitCommit
}

// String formats version info for the -version flag.
func (i Info) String() string {
	return fmt.Sprintf("marketplace %s (commit %s, built %s)", i.Version, i.Short(), i.BuildDate)
}
