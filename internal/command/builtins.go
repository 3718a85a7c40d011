// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aplane-algo/pkpauth/internal/orchestrator"
)

// ErrQuit is returned by the quit command.
var ErrQuit = errors.New("quit")

// DefaultMessage is signed when sign is given no argument.
const DefaultMessage = "Free the web!"

// RegisterBuiltins adds the client commands to r.
func RegisterBuiltins(r *Registry) error {
	cmds := []*Command{
		{
			Name:        "login",
			Usage:       "login",
			Description: "Print the identity provider login URL",
			LongHelp: "Opens (or prints) the login URL. After signing in, the provider\n" +
				"returns to the local redirect address and key pairs are fetched.",
			Category: CategorySession,
			Handler:  HandlerFunc(cmdLogin),
		},
		{
			Name:        "keys",
			Aliases:     []string{"ls"},
			Usage:       "keys",
			Description: "List the key pairs owned by the signed-in identity",
			Category:    CategorySession,
			Handler:     HandlerFunc(cmdKeys),
		},
		{
			Name:        "mint",
			Usage:       "mint",
			Description: "Mint a new key pair and open a session for it",
			Category:    CategorySession,
			Handler:     HandlerFunc(cmdMint),
		},
		{
			Name:        "use",
			Usage:       "use <address>",
			Description: "Open a session for one of the listed key pairs",
			Category:    CategorySession,
			Handler:     HandlerFunc(cmdUse),
		},
		{
			Name:        "sign",
			Usage:       "sign [message]",
			Description: "Sign a message with the session's key pair",
			LongHelp:    fmt.Sprintf("Signs the rest of the line verbatim. Without an argument signs %q.", DefaultMessage),
			Category:    CategorySigning,
			Handler:     HandlerFunc(cmdSign),
		},
		{
			Name:        "ack",
			Usage:       "ack",
			Description: "Acknowledge an error and return to the last usable state",
			Category:    CategoryGeneral,
			Handler:     HandlerFunc(cmdAck),
		},
		{
			Name:        "state",
			Aliases:     []string{"status"},
			Usage:       "state",
			Description: "Show the current workflow state",
			Category:    CategoryGeneral,
			Handler:     HandlerFunc(cmdState),
		},
		{
			Name:        "help",
			Aliases:     []string{"h", "?"},
			Usage:       "help [command]",
			Description: "Show help",
			Category:    CategoryGeneral,
			Handler:     HandlerFunc(cmdHelp),
		},
		{
			Name:        "quit",
			Aliases:     []string{"exit", "q"},
			Usage:       "quit",
			Description: "Exit",
			Category:    CategoryGeneral,
			Handler:     HandlerFunc(func(context.Context, []string, *Context) error { return ErrQuit }),
		},
	}
	for _, cmd := range cmds {
		if err := r.Register(cmd); err != nil {
			return err
		}
	}
	return nil
}

func cmdLogin(_ context.Context, _ []string, c *Context) error {
	loginURL, err := c.Orchestrator.StartLogin()
	if err != nil {
		return err
	}
	c.printf("Sign in at:\n  %s\n", loginURL)
	if c.OpenURL != nil {
		if err := c.OpenURL(loginURL); err != nil {
			c.printf("(could not open a browser: %v)\n", err)
		}
	}
	return nil
}

func cmdKeys(ctx context.Context, args []string, c *Context) error {
	switch c.Orchestrator.State().(type) {
	case orchestrator.SignedOut, orchestrator.AwaitingRedirect, orchestrator.FetchingKeys:
		return errors.New("not signed in (use 'login')")
	}
	return cmdState(ctx, args, c)
}

func cmdMint(ctx context.Context, _ []string, c *Context) error {
	c.printf("Minting, this can take a while...\n")
	kp, err := c.Orchestrator.Mint(ctx)
	if err != nil {
		return err
	}
	c.printf("Minted %s\n", c.paint(colorCyan, kp.Address))
	return nil
}

func cmdUse(ctx context.Context, args []string, c *Context) error {
	if len(args) != 1 {
		return errors.New("usage: use <address>")
	}
	if err := c.Orchestrator.SelectKeyPair(ctx, args[0]); err != nil {
		return err
	}
	c.printf("Session ready for %s\n", c.paint(colorCyan, args[0]))
	return nil
}

func cmdSign(ctx context.Context, _ []string, c *Context) error {
	message := c.RawArgs
	if message == "" {
		message = DefaultMessage
	}
	res, err := c.Orchestrator.SignMessage(ctx, []byte(message))
	if err != nil {
		return err
	}
	c.printf("signature: %s\n", c.paint(colorGreen, res.Signature))
	c.printf("signer:    %s\n", res.RecoveredAddress)
	return nil
}

func cmdAck(_ context.Context, _ []string, c *Context) error {
	if err := c.Orchestrator.Acknowledge(); err != nil {
		return err
	}
	c.printf("state: %s\n", c.Orchestrator.State())
	return nil
}

func cmdState(_ context.Context, _ []string, c *Context) error {
	c.printf("%s", c.FormatState(c.Orchestrator.State(), time.Now()))
	return nil
}

func cmdHelp(_ context.Context, args []string, c *Context) error {
	if len(args) == 0 {
		ShowHelp(c.Out, c.Registry)
		return nil
	}
	cmd, ok := c.Registry.Lookup(args[0])
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, args[0])
	}
	ShowCommandHelp(c.Out, cmd)
	return nil
}
