// Package svcfields holds the structured-logging field conventions shared by
// every coordd subsystem.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

const (
	// SubsystemKey tags the dot-delimited subsystem that produced an entry.
	SubsystemKey = pslog.TrustedString("sys")
	// ConnKey tags entries emitted on behalf of one client connection.
	ConnKey = pslog.TrustedString("conn")
	// ProcessKey tags entries about one client process id.
	ProcessKey = pslog.TrustedString("pid")
)

// Subsystem joins the non-empty parts with dots, e.g.
// Subsystem("core", "", "conn") == "core.conn".
func Subsystem(parts ...string) string {
	kept := parts[:0:0]
	for _, part := range parts {
		if part = strings.Trim(part, ". "); part != "" {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, ".")
}

// WithSubsystem attaches the subsystem built from parts to every entry logged
// through the returned logger. A nil logger yields a no-op logger.
func WithSubsystem(logger pslog.Logger, parts ...string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	sys := Subsystem(parts...)
	if sys == "" {
		return logger
	}
	return logger.With(SubsystemKey, sys)
}
