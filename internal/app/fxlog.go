package app

import (
	"strings"

	"github.com/metalagman/deckhand/internal/logging"
	"github.com/rs/zerolog"
	"go.uber.org/fx/fxevent"
)

// eventLogger sends fx lifecycle events to zerolog. Failures are logged at
// error level, everything else at debug.
type eventLogger struct {
	logger zerolog.Logger
}

func newEventLogger() fxevent.Logger {
	return &eventLogger{logger: logging.Component("fx")}
}

func (l *eventLogger) LogEvent(event fxevent.Event) {
	switch e := event.(type) {
	case *fxevent.OnStartExecuted:
		if e.Err != nil {
			l.logger.Error().Err(e.Err).Str("callee", e.FunctionName).Msg("start hook failed")
			return
		}
		l.logger.Debug().Str("callee", e.FunctionName).Dur("runtime", e.Runtime).Msg("start hook executed")
	case *fxevent.OnStopExecuted:
		if e.Err != nil {
			l.logger.Error().Err(e.Err).Str("callee", e.FunctionName).Msg("stop hook failed")
			return
		}
		l.logger.Debug().Str("callee", e.FunctionName).Dur("runtime", e.Runtime).Msg("stop hook executed")
	case *fxevent.Provided:
		if e.Err != nil {
			l.logger.Error().Err(e.Err).Str("constructor", e.ConstructorName).Msg("provide failed")
			return
		}
		l.logger.Debug().Str("constructor", e.ConstructorName).Str("types", strings.Join(e.OutputTypeNames, ",")).Msg("provided")
	case *fxevent.Invoked:
		if e.Err != nil {
			l.logger.Error().Err(e.Err).Str("function", e.FunctionName).Msg("invoke failed")
		}
	case *fxevent.Started:
		if e.Err != nil {
			l.logger.Error().Err(e.Err).Msg("start failed")
			return
		}
		l.logger.Debug().Msg("started")
	case *fxevent.Stopped:
		if e.Err != nil {
			l.logger.Error().Err(e.Err).Msg("stop failed")
		}
	case *fxevent.RolledBack:
		l.logger.Error().Err(e.Err).Msg("start rolled back")
	}
}
