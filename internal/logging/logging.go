package logging

import (
	"log/slog"
	"os"

	charmlog "github.com/charmbracelet/log"
	"golang.org/x/term"
)

// Setup initializes the global slog logger using charmbracelet/log as the
// backend. Interactive terminals get colored text output; everything else
// (systemd, container logs) gets JSON.
func Setup(verbose bool) {
	handler := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		ReportTimestamp: true,
	})

	if verbose {
		handler.SetLevel(charmlog.DebugLevel)
	} else {
		handler.SetLevel(charmlog.InfoLevel)
	}

	if !isTerminal() {
		handler.SetFormatter(charmlog.JSONFormatter)
	}

	slog.SetDefault(slog.New(handler))
}

// For returns a logger scoped to one bot. Every work item a bot produces
// logs under the same key so per-bot output can be filtered.
func For(bot string) *slog.Logger {
	return slog.Default().With("bot", bot)
}

func isTerminal() bool {
	return term.IsTerminal(int(os.Stderr.Fd()))
}
