package transport

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
)

type zerologAdapter struct {
	logger zerolog.Logger
}

// NewLogger adapts a zerolog logger for watermill components.
func NewLogger(logger zerolog.Logger) watermill.LoggerAdapter {
	return zerologAdapter{logger: logger}
}

func (a zerologAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.logger.Error().Err(err).Fields(map[string]any(fields)).Msg(msg)
}

// Info is demoted to debug; watermill reports every subscription at info.
func (a zerologAdapter) Info(msg string, fields watermill.LogFields) {
	a.logger.Debug().Fields(map[string]any(fields)).Msg(msg)
}

func (a zerologAdapter) Debug(msg string, fields watermill.LogFields) {
	a.logger.Debug().Fields(map[string]any(fields)).Msg(msg)
}

func (a zerologAdapter) Trace(msg string, fields watermill.LogFields) {
	a.logger.Trace().Fields(map[string]any(fields)).Msg(msg)
}

func (a zerologAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return zerologAdapter{logger: a.logger.With().Fields(map[string]any(fields)).Logger()}
}
