// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

// Package logging configures the process-wide structured logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

// DebugEnv enables debug logging when set to any non-empty value.
const DebugEnv = "PKPAUTH_DEBUG"

var current atomic.Pointer[slog.Logger]

// Options controls Init.
type Options struct {
	// Output defaults to os.Stdout.
	Output io.Writer
	// Debug forces debug level regardless of DebugEnv.
	Debug bool
	// KeepMetadata retains the time and level attributes (useful for
	// daemons whose output goes to a log file).
	KeepMetadata bool
}

// Init initializes the global logger with appropriate log level.
// Set PKPAUTH_DEBUG=1 environment variable to enable debug logging.
func Init(opts Options) *slog.Logger {
	level := slog.LevelInfo
	if opts.Debug || os.Getenv(DebugEnv) != "" {
		level = slog.LevelDebug
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	if !opts.KeepMetadata {
		// Remove time and level for cleaner CLI output
		handlerOpts.ReplaceAttr = func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey || a.Key == slog.LevelKey {
				return slog.Attr{}
			}
			return a
		}
	}

	l := slog.New(slog.NewTextHandler(out, handlerOpts))
	current.Store(l)
	return l
}

// Logger returns the global logger, or a logger that discards everything if
// Init has not been called.
func Logger() *slog.Logger {
	if l := current.Load(); l != nil {
		return l
	}
	return discard
}

// Or returns l when non-nil, otherwise the global logger.
func Or(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return Logger()
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))
