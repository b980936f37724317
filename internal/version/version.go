// Package version reports the coordd build version for the version
// subcommand and telemetry resources.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

// fallbackModule is reported when the binary carries no build info, as in
// some test binaries.
const fallbackModule = "pkt.systems/coordd"

// unknown is reported when neither ldflags nor VCS stamping give a version.
const unknown = "v0.0.0-unknown"

// buildVersion is stamped at release time:
//
//	go build -ldflags "-X pkt.systems/coordd/internal/version.buildVersion=v1.2.3" ./cmd/coordd
var buildVersion = ""

// Current returns, in order of preference, the ldflags-stamped version, the
// main module version recorded by `go install`, a pseudo-version derived
// from VCS stamping, or v0.0.0-unknown.
func Current() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return unknown
	}
	if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
		return v
	}
	if v := vcsPseudoVersion(info.Settings); v != "" {
		return v
	}
	return unknown
}

// CurrentSemver returns Current without the leading "v" and without build
// metadata, e.g. "1.4.0" or "0.0.0-20250301120000-abcdef123456".
func CurrentSemver() string {
	return semver(Current())
}

func semver(v string) string {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	v, _, _ = strings.Cut(v, "+")
	return v
}

// Module is the main module path, e.g. pkt.systems/coordd.
func Module() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if p := strings.TrimSpace(info.Main.Path); p != "" {
			return p
		}
	}
	return fallbackModule
}

// vcsPseudoVersion builds v0.0.0-<utc commit time>-<12 char revision>, with
// +dirty appended for modified trees. It needs both vcs.revision and vcs.time.
func vcsPseudoVersion(settings []debug.BuildSetting) string {
	vcs := make(map[string]string, 3)
	for _, s := range settings {
		if strings.HasPrefix(s.Key, "vcs.") {
			vcs[s.Key] = s.Value
		}
	}
	rev, stamp := vcs["vcs.revision"], vcs["vcs.time"]
	if rev == "" || stamp == "" {
		return ""
	}
	committed, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return ""
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	var b strings.Builder
	b.WriteString("v0.0.0-")
	b.WriteString(committed.UTC().Format("20060102150405"))
	b.WriteByte('-')
	b.WriteString(rev)
	if vcs["vcs.modified"] == "true" {
		b.WriteString("+dirty")
	}
	return b.String()
}
