// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package command

import (
	"fmt"
	"io"

	"github.com/aplane-algo/pkpauth/internal/orchestrator"
)

// Context provides command handlers with the workflow and the terminal.
type Context struct {
	Orchestrator *orchestrator.Orchestrator
	Registry     *Registry
	Out          io.Writer
	Color        bool

	// OpenURL is called with the login URL (optional; the URL is always
	// printed).
	OpenURL func(url string) error

	// RawArgs contains the input after the command name, unsplit.
	RawArgs string
}

func (c *Context) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(c.Out, format, args...)
}
