// Package version reports build information for the durable binary.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const fallbackModule = "pkt.systems/durable"

// buildVersion is injected with -ldflags "-X pkt.systems/durable/internal/version.buildVersion=v1.2.3".
var buildVersion = ""

// Info summarises the running build.
type Info struct {
	Module   string
	Version  string
	Revision string
	Dirty    bool
}

// Read collects Info from ldflags and the embedded build metadata.
func Read() Info {
	info := Info{Module: fallbackModule}
	bi, ok := debug.ReadBuildInfo()
	if ok {
		if p := strings.TrimSpace(bi.Main.Path); p != "" {
			info.Module = p
		}
	}
	info.Version = resolve(strings.TrimSpace(buildVersion), bi, ok, &info)
	return info
}

// Current returns the best available version string.
func Current() string {
	return Read().Version
}

// Module returns the main module path.
func Module() string {
	return Read().Module
}

func resolve(injected string, bi *debug.BuildInfo, ok bool, info *Info) string {
	var vcsTime string
	if ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				info.Revision = s.Value
			case "vcs.time":
				vcsTime = s.Value
			case "vcs.modified":
				info.Dirty = s.Value == "true"
			}
		}
	}
	if injected != "" {
		return injected
	}
	if ok {
		if v := strings.TrimSpace(bi.Main.Version); v != "" && v != "(devel)" {
			return v
		}
	}
	return pseudo(info.Revision, vcsTime, info.Dirty)
}

// pseudo renders a Go style pseudo-version from VCS stamps.
func pseudo(revision, vcsTime string, dirty bool) string {
	stamp, err := time.Parse(time.RFC3339, vcsTime)
	if revision == "" || err != nil {
		return "v0.0.0-unknown"
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	v := "v0.0.0-" + stamp.UTC().Format("20060102150405") + "-" + revision
	if dirty {
		v += "+dirty"
	}
	return v
}
