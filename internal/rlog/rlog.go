// Package rlog builds the single logiface/stumpy logger instance each
// relayd process constructs at startup. One logger per process; role, pid,
// and instance are attached once as base fields rather than repeated at
// every call site.
package rlog

import (
	"io"
	"os"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Event is the concrete event type used by every relayd logger.
type Event = stumpy.Event

// Logger is the logger type threaded through every package's constructor.
type Logger = logiface.Logger[*Event]

// Config controls where and how verbosely a process logs.
type Config struct {
	// Role is this process's role (parent, pfe, hce, relay, ca).
	Role string
	// Instance distinguishes relay/ca instances; -1 for singleton roles.
	Instance int
	// Verbose raises the level to Debug (the -v CLI flag).
	Verbose bool
	// Writer overrides the destination; defaults to os.Stderr.
	Writer io.Writer
}

// New constructs the process logger. relayd always logs to stderr; log
// transport is an external collaborator, not something this repo implements.
func New(cfg Config) *Logger {
	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}

	level := stumpy.L.LevelInformational()
	if cfg.Verbose {
		level = stumpy.L.LevelDebug()
	}

	root := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	)

	ctx := root.Clone().Str("role", cfg.Role).Int("pid", os.Getpid())
	if cfg.Instance >= 0 {
		ctx = ctx.Int("instance", cfg.Instance)
	}
	logger := ctx.Logger()

	logger.Info().Log("starting")
	return logger
}
