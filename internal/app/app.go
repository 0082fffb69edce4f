// Package app wires the concrete dependencies together and exposes one
// method per command. The cmd layer parses flags and maps errors to exit
// codes; everything below the flag surface lives here.
package app

import (
	"io"
	"log/slog"
	"os"

	"github.com/alanyoungcy/coinbot/internal/config"
)

// App owns the configuration and the resources wired for a command.
type App struct {
	cfg     *config.Config
	cfgPath string
	logger  *slog.Logger

	// out receives command output; stdout outside of tests.
	out io.Writer

	closers []func()
}

// New creates an App. cfgPath is the configuration file the server mode
// passes on to its child processes.
func New(cfg *config.Config, cfgPath string, logger *slog.Logger) *App {
	return &App{
		cfg:     cfg,
		cfgPath: cfgPath,
		logger:  logger,
		out:     os.Stdout,
	}
}

// Close releases wired resources in reverse order. Safe to call twice.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
