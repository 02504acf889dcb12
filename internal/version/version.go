// Package version exposes build metadata for the botfleet binary.
// Variables are overwritten with -ldflags at build time.
package version

import (
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/google/uuid"
)

var (
	// Version is the release tag or short commit.
	// Set via: -ldflags "-X botfleet/internal/version.Version=..."
	Version = "unknown"

	// BuildDate is the UTC build timestamp.
	// Set via: -ldflags "-X botfleet/internal/version.BuildDate=..."
	BuildDate = "unknown"

	// GitCommit is the source commit SHA.
	// Set via: -ldflags "-X botfleet/internal/version.GitCommit=..."
	GitCommit = "unknown"
)

// Info is the build metadata plus the identity of this supervisor process.
// InstanceID distinguishes supervisors that share one storage backend.
type Info struct {
	Version    string `json:"version"`
	GitCommit  string `json:"git_commit"`
	BuildDate  string `json:"build_date"`
	GoVersion  string `json:"go_version"`
	InstanceID string `json:"instance_id"`
	Hostname   string `json:"hostname"`
}

var (
	once sync.Once
	info Info
)

// GetInfo returns the process metadata, computed once.
func GetInfo() Info {
	once.Do(func() {
		info = Info{
			Version:    Version,
			GitCommit:  GitCommit,
			BuildDate:  BuildDate,
			GoVersion:  runtime.Version(),
			InstanceID: uuid.New().String(),
			Hostname:   hostname(),
		}
	})
	return info
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown"
	}
	return h
}

func (i Info) String() string {
	return fmt.Sprintf("botfleet %s (commit: %s, built: %s)", i.Version, i.GitCommit, i.BuildDate)
}
