package supervisor

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSupervisorPrefixesChildOutput(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New("/bin/sh", []Child{
		{Name: "echoer", Args: []string{"-c", "echo hello; sleep 5"}, Prefix: "PM: "},
	}, 10*time.Millisecond, logger)

	out := &syncBuffer{}
	s.out = out

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "PM: hello")
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestSupervisorRestartsExitedChild(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New("/bin/sh", []Child{
		{Name: "flaky", Args: []string{"-c", "echo run"}, Prefix: "XC: "},
	}, time.Millisecond, logger)

	out := &syncBuffer{}
	s.out = out

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// The child exits immediately; the restart loop should produce the
	// line more than once.
	assert.Eventually(t, func() bool {
		return strings.Count(out.String(), "XC: run") >= 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
