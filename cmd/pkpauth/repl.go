// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"time"

	"github.com/chzyer/readline"

	"github.com/aplane-algo/pkpauth/internal/command"
	"github.com/aplane-algo/pkpauth/internal/orchestrator"
)

func newContext(orch *orchestrator.Orchestrator, out io.Writer, openBrowser bool) (*command.Context, error) {
	reg := command.NewRegistry()
	if err := command.RegisterBuiltins(reg); err != nil {
		return nil, err
	}
	c := &command.Context{
		Orchestrator: orch,
		Registry:     reg,
		Out:          out,
		Color:        command.SupportsColor(os.Stdout),
	}
	if openBrowser {
		c.OpenURL = openURL
	}
	return c, nil
}

// dispatch runs one line; Ctrl+C cancels a running command.
func dispatch(c *command.Context, line string) (quit bool) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := c.Registry.Dispatch(ctx, line, c)
	if errors.Is(err, command.ErrQuit) {
		return true
	}
	if err != nil {
		_, _ = fmt.Fprintf(c.Out, "Error: %v\n", err)
	}
	return false
}

func completer(c *command.Context) readline.AutoCompleter {
	addresses := func(string) []string {
		var out []string
		switch st := c.Orchestrator.State().(type) {
		case orchestrator.KeysFetched:
			for _, kp := range st.KeyPairs {
				out = append(out, kp.Address)
			}
		case orchestrator.SessionReady:
			for _, kp := range st.KeyPairs {
				out = append(out, kp.Address)
			}
		case orchestrator.Signed:
			for _, kp := range st.KeyPairs {
				out = append(out, kp.Address)
			}
		}
		return out
	}

	items := make([]readline.PrefixCompleterInterface, 0)
	for _, name := range c.Registry.Names() {
		if name == "use" {
			items = append(items, readline.PcItem(name, readline.PcItemDynamic(addresses)))
			continue
		}
		items = append(items, readline.PcItem(name))
	}
	return readline.NewPrefixCompleter(items...)
}

func prompt(c *command.Context, network string) string {
	p := fmt.Sprintf("%s[%s]> ", network, c.Orchestrator.State())
	if c.Color {
		return "\033[32m" + p + "\033[0m"
	}
	return p
}

func startREPL(orch *orchestrator.Orchestrator, network string, openBrowser bool) {
	fmt.Println("pkpauth - sign in, mint and sign with threshold keys")
	fmt.Println("Type 'help' for available commands or 'quit' to exit")

	c, err := newContext(orch, os.Stdout, openBrowser)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	homeDir, _ := os.UserHomeDir()
	rl, err := readline.NewEx(&readline.Config{
		HistoryFile:       filepath.Join(homeDir, ".pkpauth_history"),
		HistoryLimit:      1000,
		AutoComplete:      completer(c),
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		fmt.Printf("Failed to create readline instance, falling back to basic input: %v\n", err)
		startBasicREPL(c, network)
		return
	}
	defer func() {
		_ = rl.Close() // Best-effort close, errors during shutdown not critical
	}()

	c.Out = rl.Stdout()

	// The login callback arrives on another goroutine.
	unsubscribe := orch.Subscribe(func(tr orchestrator.Transition) {
		if tr.Op != orchestrator.OpLogin {
			return
		}
		switch tr.To.(type) {
		case orchestrator.KeysFetched, orchestrator.Error:
			_, _ = fmt.Fprintf(rl.Stdout(), "\n%s", c.FormatState(tr.To, time.Now()))
			rl.SetPrompt(prompt(c, network))
			rl.Refresh()
		}
	})
	defer unsubscribe()

	for {
		rl.SetPrompt(prompt(c, network))
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				if len(line) == 0 {
					fmt.Println("Use 'quit' or 'exit' to exit")
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				fmt.Println("\nGoodbye!")
				break
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}
		if dispatch(c, line) {
			break
		}
	}
}

func startBasicREPL(c *command.Context, network string) {
	fmt.Println("Running in basic mode (no history/completion)")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(prompt(c, network))
		if !scanner.Scan() {
			break
		}
		if dispatch(c, scanner.Text()) {
			break
		}
	}
}

func openURL(u string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", u)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", u)
	default:
		cmd = exec.Command("xdg-open", u)
	}
	return cmd.Start()
}
