// Package version renders the version line printed by the mesh binaries.
package version

import (
	"runtime/debug"
	"strings"
)

func unset(v string, placeholders ...string) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return true
	}
	for _, p := range placeholders {
		if v == p {
			return true
		}
	}
	return false
}

// String formats "version (commit) date" from ldflags-injected values, filling
// gaps from Go module build info when the binary was built without ldflags.
func String(version string, commit string, date string) string {
	v := strings.TrimSpace(version)
	c := strings.TrimSpace(commit)
	d := strings.TrimSpace(date)

	if info, ok := debug.ReadBuildInfo(); ok && info != nil {
		if unset(v, "dev", "(devel)") {
			if mv := strings.TrimSpace(info.Main.Version); !unset(mv, "(devel)") {
				v = mv
			}
		}
		if unset(c, "unknown") {
			c = buildSetting(info, "vcs.revision")
		}
		if unset(d, "unknown") {
			d = buildSetting(info, "vcs.time")
		}
	}

	if unset(v, "") {
		v = "dev"
	}
	out := v
	if !unset(c, "unknown") {
		out += " (" + c + ")"
	}
	if !unset(d, "unknown") {
		out += " " + d
	}
	return out
}

func buildSetting(info *debug.BuildInfo, key string) string {
	for _, s := range info.Settings {
		if s.Key == key {
			return s.Value
		}
	}
	return ""
}
