// Package version reports the build metadata of the conveyor binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

const (
	// Unknown stands in for metadata the build did not provide.
	Unknown = "unknown"
	// DevelopmentVersion is reported by builds without a release version.
	DevelopmentVersion = "dev"
)

// Set at link time, for example:
//
//	go build -ldflags="-X github.com/nimburion/conveyor/pkg/version.AppVersion=v1.2.3"
var (
	AppVersion = DevelopmentVersion
	GitCommit  = ""
	BuildTime  = ""
)

// Info is served on /version and printed by the version command.
type Info struct {
	Service   string `json:"service"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

// Current returns the metadata of the running binary. Commit and build time
// fall back to the VCS stamp of the Go toolchain when not set at link time.
func Current(serviceName string) Info {
	info := Info{
		Service:   orDefault(serviceName, Unknown),
		Version:   orDefault(AppVersion, DevelopmentVersion),
		Commit:    strings.TrimSpace(GitCommit),
		BuildTime: strings.TrimSpace(BuildTime),
		GoVersion: runtime.Version(),
	}
	if build, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range build.Settings {
			switch {
			case setting.Key == "vcs.revision" && info.Commit == "":
				info.Commit = setting.Value
			case setting.Key == "vcs.time" && info.BuildTime == "":
				info.BuildTime = setting.Value
			}
		}
	}
	info.Commit = orDefault(info.Commit, Unknown)
	info.BuildTime = orDefault(info.BuildTime, Unknown)
	return info
}

func (i Info) String() string {
	return fmt.Sprintf("%s %s (commit %s, built %s, %s)", i.Service, i.Version, i.Commit, i.BuildTime, i.GoVersion)
}

func orDefault(v, fallback string) string {
	if trimmed := strings.TrimSpace(v); trimmed != "" {
		return trimmed
	}
	return fallback
}
