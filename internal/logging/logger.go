// Package logging exposes the process-wide logger used by the planning and
// resolution code. The default is a no-op logger; embedding applications
// install their own via SetGlobalLogger.
package logging

import (
	"context"

	"github.com/rs/zerolog"
)

var Logger zerolog.Logger

func init() {
	SetGlobalLogger(zerolog.Nop())
}

// SetGlobalLogger replaces the process-wide logger and makes it the default
// context logger for zerolog.Ctx.
func SetGlobalLogger(logger zerolog.Logger) {
	Logger = logger
	zerolog.DefaultContextLogger = &Logger
}

func With() zerolog.Context { return Logger.With() }

func Err(err error) *zerolog.Event { return Logger.Err(err) }

func Trace() *zerolog.Event { return Logger.Trace() }

func Debug() *zerolog.Event { return Logger.Debug() }

func Info() *zerolog.Event { return Logger.Info() }

func Warn() *zerolog.Event { return Logger.Warn() }

func Error() *zerolog.Event { return Logger.Error() }

func Ctx(ctx context.Context) *zerolog.Logger { return zerolog.Ctx(ctx) }
