// Package version reports the module path and version of the running binary.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/storebench"

// buildVersion is set via -ldflags "-X pkt.systems/storebench/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the binary as far as build info allows.
type Info struct {
	Module   string
	Version  string
	Revision string
	Time     time.Time
	Dirty    bool
}

// String renders "module version".
func (i Info) String() string {
	return i.Module + " " + i.Version
}

// Read collects Info from the linker flag and debug.ReadBuildInfo.
func Read() Info {
	info := Info{Module: defaultModule}
	bi, ok := debug.ReadBuildInfo()
	if ok {
		if path := strings.TrimSpace(bi.Main.Path); path != "" {
			info.Module = path
		}
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				info.Revision = s.Value
			case "vcs.time":
				info.Time, _ = time.Parse(time.RFC3339, s.Value)
			case "vcs.modified":
				info.Dirty = s.Value == "true"
			}
		}
	}
	switch {
	case strings.TrimSpace(buildVersion) != "":
		info.Version = buildVersion
	case ok && bi.Main.Version != "" && bi.Main.Version != "(devel)":
		info.Version = bi.Main.Version
	default:
		info.Version = pseudo(info)
	}
	return info
}

// Current returns the best available version string.
func Current() string { return Read().Version }

// Module returns the module path.
func Module() string { return Read().Module }

func pseudo(info Info) string {
	if info.Revision == "" || info.Time.IsZero() {
		return "v0.0.0-unknown"
	}
	rev := info.Revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	v := "v0.0.0-" + info.Time.UTC().Format("20060102150405") + "-" + rev
	if info.Dirty {
		v += "+dirty"
	}
	return v
}
