// Package version reports build information stamped with -ldflags or, when
// absent, read from the Go build info.
package version

import (
	"runtime/debug"
	"time"
)

var (
	// Version is the release version (set via -ldflags).
	Version = ""
	// Commit is the git commit hash (set via -ldflags).
	Commit = ""
	// BuildTime is the build timestamp (set via -ldflags).
	BuildTime = ""
)

type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildTime string `json:"build_time,omitempty"`
	GoVersion string `json:"go_version,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
}

func Resolve() Info {
	resolved := Info{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		fromBuildInfo(&resolved, bi)
	}

	if resolved.Version == "" {
		if resolved.BuildTime != "" {
			resolved.Version = resolved.BuildTime
		} else {
			resolved.Version = time.Now().UTC().Format("20060102T150405Z")
		}
	}

	return resolved
}

// fromBuildInfo fills fields the linker flags left empty.
func fromBuildInfo(info *Info, bi *debug.BuildInfo) {
	info.GoVersion = bi.GoVersion
	if info.Version == "" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "" {
				info.Commit = s.Value
			}
		case "vcs.time":
			if info.BuildTime == "" {
				info.BuildTime = s.Value
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
}

func String() string {
	info := Resolve()
	if info.Commit == "" {
		return info.Version
	}
	s := info.Version + " (" + shortCommit(info.Commit)
	if info.Modified {
		s += "+dirty"
	}
	return s + ")"
}

func shortCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}
