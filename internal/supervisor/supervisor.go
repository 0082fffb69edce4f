// Package supervisor keeps the server's child processes running. The
// connector and the position manager run as separate OS processes so a
// crash in one never takes down the other; the supervisor restarts
// whichever exits.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"golang.org/x/sync/errgroup"
)

// Child describes one supervised process.
type Child struct {
	// Name identifies the child in logs.
	Name string

	// Args are passed to the supervisor's own binary.
	Args []string

	// Prefix tags every line of the child's output.
	Prefix string
}

// Supervisor spawns children from its own binary and restarts them when
// they exit.
type Supervisor struct {
	binary       string
	children     []Child
	restartDelay time.Duration
	logger       *slog.Logger

	// out receives the prefixed child output.
	out io.Writer
}

// New creates a Supervisor running the given children from binary.
// Children start in list order, so consumers go before producers.
func New(binary string, children []Child, restartDelay time.Duration, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		binary:       binary,
		children:     children,
		restartDelay: restartDelay,
		logger:       logger.With(slog.String("component", "supervisor")),
		out:          os.Stdout,
	}
}

// Run starts every child and supervises until ctx is cancelled. Each
// child gets its own restart loop; Run returns when the context ends.
func (s *Supervisor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, child := range s.children {
		child := child
		started := make(chan struct{})
		g.Go(func() error {
			return s.superviseChild(ctx, child, started)
		})
		// Wait for the first spawn so start order holds.
		select {
		case <-started:
		case <-ctx.Done():
			return g.Wait()
		}
	}

	return g.Wait()
}

// superviseChild runs one child in a loop, restarting after restartDelay
// whenever it exits. Context cancellation kills the child and ends the
// loop.
func (s *Supervisor) superviseChild(ctx context.Context, child Child, started chan<- struct{}) error {
	first := true
	markStarted := func() {
		if first {
			close(started)
			first = false
		}
	}
	for {
		err := s.runOnce(ctx, child, markStarted)
		// A spawn failure still counts as started for ordering purposes;
		// the siblings should not wait on a broken binary.
		markStarted()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Error("child exited, restarting",
			slog.String("child", child.Name),
			slog.String("error", fmt.Sprint(err)),
			slog.Duration("delay", s.restartDelay))

		t := time.NewTimer(s.restartDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// runOnce spawns the child, relays its output and waits for it to exit.
// onStart fires once the process is running.
func (s *Supervisor) runOnce(ctx context.Context, child Child, onStart func()) error {
	cmd := exec.CommandContext(ctx, s.binary, child.Args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe for %s: %w", child.Name, err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", child.Name, err)
	}
	onStart()

	s.logger.Info("child started",
		slog.String("child", child.Name), slog.Int("pid", cmd.Process.Pid))

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		fmt.Fprintf(s.out, "%s%s\n", child.Prefix, scanner.Text())
	}

	return cmd.Wait()
}
