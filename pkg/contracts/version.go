package contracts

import (
	"fmt"
	"runtime"
)

const (
	// Version is the current version of the agent
	Version = "0.3.0"

	// VersionStage represents the current release stage
	VersionStage = "stable"

	// DataFormatVersion is the version of the local store schema
	DataFormatVersion = "v1"

	// APIVersion is the version of the local control API
	APIVersion = "v1"
)

var (
	// BuildTime is set during build using ldflags
	BuildTime = "unknown"

	// GitCommit is set during build using ldflags
	GitCommit = "unknown"

	// GitBranch is set during build using ldflags
	GitBranch = "unknown"
)

// VersionInfo contains detailed version information
type VersionInfo struct {
	Version      string `json:"version"`
	Stage        string `json:"stage"`
	BuildTime    string `json:"build_time"`
	GitCommit    string `json:"git_commit"`
	GitBranch    string `json:"git_branch"`
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	DataFormat   string `json:"data_format"`
	APIVersion   string `json:"api_version"`
}

// GetVersionInfo returns detailed version information
func GetVersionInfo() VersionInfo {
	return VersionInfo{
		Version:      Version,
		Stage:        VersionStage,
		BuildTime:    BuildTime,
		GitCommit:    GitCommit,
		GitBranch:    GitBranch,
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
		DataFormat:   DataFormatVersion,
		APIVersion:   APIVersion,
	}
}

// GetVersionString returns the short version string
func GetVersionString() string {
	return fmt.Sprintf("entitle-agent v%s", Version)
}

// GetFullVersionString is printed by --version
func GetFullVersionString() string {
	info := GetVersionInfo()
	return fmt.Sprintf("%s (%s, built: %s, commit: %s, go: %s, os: %s/%s, store: %s)",
		GetVersionString(), info.Stage, info.BuildTime, info.GitCommit,
		info.GoVersion, info.OS, info.Architecture, info.DataFormat)
}
