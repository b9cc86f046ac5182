// Package loggingutil holds the pslog helpers shared by every subsystem.
package loggingutil

import (
	"context"
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey tags each entry with the emitting subsystem.
const SubsystemKey = pslog.TrustedString("sys")

// NoopLogger returns a logger that discards everything.
func NoopLogger() pslog.Logger {
	return pslog.NoopLogger()
}

// Ensure returns l, or a disabled logger when l is nil.
func Ensure(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return NoopLogger()
}

// Subsystem joins the non-empty parts with dots.
func Subsystem(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.Trim(part, ". "); part != "" {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, ".")
}

// WithSubsystem attaches the sys field to logger.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	logger = Ensure(logger)
	if subsystem = strings.Trim(subsystem, ". "); subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// FromContext returns the logger carried by ctx, or fallback when none is
// attached.
func FromContext(ctx context.Context, fallback pslog.Logger) pslog.Logger {
	if ctx != nil {
		if l := pslog.LoggerFromContext(ctx); l != nil {
			return l
		}
	}
	return Ensure(fallback)
}
