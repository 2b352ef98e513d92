package call

import (
	"context"
	"errors"
	"time"

	"github.com/arzzra/sipcall/pkg/logger"
)

// OnCallState обрабатывает смену сигнального состояния, о которой сообщил движок.
//
// После действий ветки всегда отправляется callState. Для Disconnected
// освобождение ресурсов, удаление из реестра и удаление звонка в движке
// выполняются безусловно; ошибка сборки или отправки статистики
// возвращается вызывающему уже после них. Возврат происходит только после
// отправки всех уведомлений этого события, поэтому движок не должен вызывать
// OnCallState изнутри Emitter.
func (s *Session) OnCallState(ctx context.Context) error {
	var (
		disconnected bool
		statsErr     error
	)

	b, err := s.locked(ctx, "on_call_state", func() error {
		if s.terminated {
			s.log.Debug(ctx, "событие после Disconnected проигнорировано")
			return nil
		}

		info, err := s.handle.Info()
		if err != nil {
			s.log.LogError(ctx, newError(ErrorCategoryQuery, "call_info", s.id, err), "не удалось получить информацию о звонке")
			return nil
		}

		s.owner.SetLastCallStatus(info.LastStatusCode)
		s.lastStatusCode = info.LastStatusCode
		s.lastReason = info.LastReason

		s.log.Debug(ctx, "смена состояния звонка",
			logger.String("state", info.State.String()),
			logger.Int("role", int(info.Role)),
			logger.String("reason", info.LastReason),
			logger.Int("status", int(info.LastStatusCode)),
			logger.String("remote_uri", info.RemoteURI),
			logger.String("local_uri", info.LocalURI),
			logger.String("sip_call_id", info.CallIDString),
		)

		result, err := advance(ctx, s.machine, info.State)
		if result == transitionRejected {
			s.log.Warn(ctx, "недопустимый переход состояния",
				logger.String("from", s.machine.Current()),
				logger.String("to", info.State.String()),
				logger.Err(err),
			)
			return nil
		}

		switch info.State {
		case StateEarly:
			s.handleEarly(ctx, info)
		case StateConfirmed:
			s.handleConfirmed(ctx, info)
		case StateDisconnected:
			disconnected = true
			statsErr = s.handleDisconnected(ctx, info)
		}

		s.queueCallState(info.State)
		return nil
	})

	flushErr := s.flush(ctx, b, true)

	if disconnected {
		s.owner.SetLastCallStatus(0)
		if derr := s.handle.Delete(); derr != nil {
			s.log.LogError(ctx, newError(ErrorCategoryResource, "call_delete", s.id, derr), "не удалось удалить звонок в движке")
		}
	}

	return errors.Join(err, statsErr, flushErr)
}

func (s *Session) handleEarly(ctx context.Context, info CallInfo) {
	switch {
	case info.LastStatusCode == StatusRinging && info.Role == RoleUAC:
		s.startRingback(ctx)
	case info.LastStatusCode == StatusSessionProgress:
		s.stopRingback(ctx)
	}
}

func (s *Session) handleConfirmed(ctx context.Context, info CallInfo) {
	s.attachMedia(ctx, info.Media)
	s.stopRingback(ctx)

	if s.connectTimestamp == 0 {
		s.connectTimestamp = s.clock().UnixMilli()
	}

	if s.videoCall {
		s.applyVideoMute(ctx, false)
	}
}

// handleDisconnected единственная точка безусловного освобождения ресурсов
func (s *Session) handleDisconnected(ctx context.Context, info CallInfo) error {
	s.terminated = true

	s.stopRingback(ctx)
	s.releaseWindow(ctx)
	s.releasePreview(ctx)

	s.owner.RemoveCall(s.id)

	if s.connectTimestamp > 0 && s.pending != nil {
		duration := int64(info.ConnectDuration / time.Second)
		if err := s.collectStats(ctx, duration, info.LastStatusCode); err != nil {
			s.log.LogError(ctx, err, "не удалось собрать статистику звонка")
			return err
		}
	}

	return nil
}

// CurrentState запрашивает состояние у движка.
// При любой ошибке запроса возвращает Disconnected.
func (s *Session) CurrentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminated {
		return StateDisconnected
	}

	info, err := s.handle.Info()
	if err != nil {
		s.log.Debug(context.Background(), "состояние недоступно, считаем звонок завершенным", logger.Err(err))
		return StateDisconnected
	}
	return info.State
}
