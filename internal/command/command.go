// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

// Package command holds the terminal client's commands and the registry
// that dispatches input lines to them.
package command

import "context"

// Command represents a REPL command with metadata
type Command struct {
	Name        string   // Primary command name
	Aliases     []string // Alternative names (e.g., "h" for "help")
	Usage       string   // Usage string: "use <address>"
	Description string   // One-line description
	LongHelp    string   // Multi-line detailed help (optional)
	Category    string   // "Session", "Signing", etc.
	Handler     Handler  // Command execution handler
}

// Handler is the interface all command handlers must implement
type Handler interface {
	Execute(ctx context.Context, args []string, c *Context) error
}

// HandlerFunc wraps a Go function as a command Handler.
type HandlerFunc func(ctx context.Context, args []string, c *Context) error

// Execute implements the Handler interface
func (f HandlerFunc) Execute(ctx context.Context, args []string, c *Context) error {
	return f(ctx, args, c)
}

// Category constants for organizing commands
const (
	CategorySession = "Session"
	CategorySigning = "Signing"
	CategoryGeneral = "General"
)

// categoryOrder is the order help lists categories in.
var categoryOrder = []string{CategorySession, CategorySigning, CategoryGeneral}
