package main

import (
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/creack/pty"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/agentrelay/broker/pkg/logger"
)

// newWrapCmd implements `agent-relay wrap <cli> [args...]`: the process a
// PTY worker actually pty.Starts. It puts its own stdio into raw mode (a
// no-op if stdin isn't a terminal), allocates a fresh PTY for the wrapped
// CLI, bridges bytes in both directions, and forwards SIGWINCH so resizing
// the outer terminal resizes the inner one too.
func newWrapCmd() *cobra.Command {
	return &cobra.Command{
		Use:                "wrap <cli> [args...]",
		Short:              "Run a CLI inside a managed PTY, bridging it to this process's own stdio",
		Args:               cobra.MinimumNArgs(1),
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWrap(args[0], args[1:])
		},
	}
}

func runWrap(cliName string, cliArgs []string) error {
	var restore func()
	if fd := int(os.Stdin.Fd()); term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err == nil {
			restore = func() { _ = term.Restore(fd, oldState) }
			defer restore()
		}
	}

	child := exec.Command(cliName, cliArgs...)
	ptm, err := pty.Start(child)
	if err != nil {
		return err
	}
	defer ptm.Close()

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			if w, h, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
				_ = pty.Setsize(ptm, &pty.Winsize{Cols: uint16(w), Rows: uint16(h)})
			}
		}
	}()
	winch <- syscall.SIGWINCH // prime initial size

	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(ptm, os.Stdin)
		close(done)
	}()
	go func() {
		_, _ = io.Copy(os.Stdout, ptm)
	}()

	waitErr := child.Wait()
	select {
	case <-done:
	default:
	}

	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			logger.DebugCF("wrap", "wrapped cli exited non-zero", map[string]any{"cli": cliName, "code": exitErr.ExitCode()})
			os.Exit(exitErr.ExitCode())
		}
		return waitErr
	}
	return nil
}
