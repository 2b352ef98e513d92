package emitter

import (
	"context"

	"github.com/arzzra/sipcall/pkg/call"
	"github.com/arzzra/sipcall/pkg/logger"
)

// LogEmitter пишет уведомления в структурированный лог.
// Используется, когда брокер не настроен.
type LogEmitter struct {
	log logger.StructuredLogger
}

func NewLogEmitter(log logger.StructuredLogger) *LogEmitter {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &LogEmitter{log: log.WithComponent("emitter")}
}

func (e *LogEmitter) CallState(ownerID string, callID int, state call.State, status call.StatusCode, connectTimestamp int64) error {
	e.log.Info(context.Background(), "callState",
		logger.String("account", ownerID),
		logger.Int("call_id", callID),
		logger.String("state", state.String()),
		logger.Int("status", int(status)),
		logger.Int64("connect_ts", connectTimestamp))
	return nil
}

func (e *LogEmitter) CallMediaState(ownerID string, callID int, kind call.MediaStateKind, value bool) error {
	e.log.Info(context.Background(), "callMediaState",
		logger.String("account", ownerID),
		logger.Int("call_id", callID),
		logger.String("kind", string(kind)),
		logger.Bool("value", value))
	return nil
}

func (e *LogEmitter) VideoSize(width, height int) error {
	e.log.Info(context.Background(), "videoSize", logger.Int("width", width), logger.Int("height", height))
	return nil
}

func (e *LogEmitter) CallStats(stats call.CallStats) error {
	e.log.Info(context.Background(), "callStats",
		logger.Int("call_id", stats.CallID),
		logger.Int64("duration", stats.DurationSeconds),
		logger.String("codec", stats.Codec),
		logger.Int("status", int(stats.Status)),
		logger.Any("rx", stats.Rx),
		logger.Any("tx", stats.Tx))
	return nil
}
