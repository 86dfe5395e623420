// Package version provides utilities for extracting build and dependency information.
package version

import (
	"runtime/debug"
	"sort"
)

// Version is the Orbital server release version, overridable at build time
// with -ldflags "-X github.com/orbital-hq/orbital/version.Version=...".
var Version = "0.3.0"

// DependencyInfo represents a module dependency and its version.
type DependencyInfo struct {
	Path    string `json:"path"`
	Version string `json:"version"`
	Replace string `json:"replace,omitempty"`
}

// BuildInfo contains build-time information embedded in the binary.
type BuildInfo struct {
	GoVersion    string           `json:"go_version"`
	MainModule   string           `json:"main_module"`
	MainVersion  string           `json:"main_version"`
	Dependencies []DependencyInfo `json:"dependencies"`
}

// GetBuildInfo extracts build information from the current binary using
// runtime/debug. Returns placeholder values when build info is unavailable
// (e.g. binaries built without module support).
func GetBuildInfo() *BuildInfo {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return &BuildInfo{
			GoVersion:    "unknown",
			MainModule:   "unknown",
			MainVersion:  "unknown",
			Dependencies: []DependencyInfo{},
		}
	}

	buildInfo := &BuildInfo{
		GoVersion:    info.GoVersion,
		MainModule:   info.Path,
		MainVersion:  info.Main.Version,
		Dependencies: make([]DependencyInfo, 0, len(info.Deps)),
	}

	for _, dep := range info.Deps {
		d := DependencyInfo{Path: dep.Path, Version: dep.Version}
		if dep.Replace != nil {
			d.Replace = dep.Replace.Path + "@" + dep.Replace.Version
		}
		buildInfo.Dependencies = append(buildInfo.Dependencies, d)
	}

	sort.Slice(buildInfo.Dependencies, func(i, j int) bool {
		return buildInfo.Dependencies[i].Path < buildInfo.Dependencies[j].Path
	})

	return buildInfo
}
