package call

import (
	"context"
	"fmt"
	"strings"

	"github.com/arzzra/sipcall/pkg/logger"
	"github.com/emiago/sipgo/sip"
)

// mediaSetting параметры медиа: один аудиопоток, видео только для видеозвонка,
// ключевой кадр запрашивается через RTCP PLI
func (s *Session) mediaSetting() CallSetting {
	setting := CallSetting{
		AudioCount:        1,
		ReqKeyframeMethod: KeyframeMethodRTCPPLI,
	}
	if s.videoCall {
		setting.VideoCount = 1
	}
	return setting
}

// offerSetting как mediaSetting, но для аудиозвонка отключенное видео
// все равно попадает в предложение
func (s *Session) offerSetting() CallSetting {
	setting := s.mediaSetting()
	if !s.videoCall {
		setting.Flags |= FlagIncludeDisabledMedia
	}
	return setting
}

func (s *Session) answer(ctx context.Context, op string, prm CallOpParam) {
	_ = s.exec(ctx, op, func() error {
		if s.terminated {
			return nil
		}
		if err := s.handle.Answer(prm); err != nil {
			s.log.LogError(ctx, newError(ErrorCategoryCommand, op, s.id, err), "не удалось ответить на звонок",
				logger.Int("status", int(prm.StatusCode)))
		}
		return nil
	})
}

// AcceptIncomingCall отвечает 200 OK
func (s *Session) AcceptIncomingCall(ctx context.Context) {
	s.mu.Lock()
	prm := CallOpParam{StatusCode: StatusOK, Setting: s.offerSetting()}
	s.mu.Unlock()

	s.answer(ctx, "accept", prm)
}

// DeclineIncomingCall отвечает 603 Decline
func (s *Session) DeclineIncomingCall(ctx context.Context) {
	s.answer(ctx, "decline", CallOpParam{StatusCode: StatusDecline})
}

// SendBusyHereToIncomingCall отвечает 486 Busy Here
func (s *Session) SendBusyHereToIncomingCall(ctx context.Context) {
	s.answer(ctx, "busy", CallOpParam{StatusCode: StatusBusyHere})
}

// HangUp завершает звонок с кодом 603 в любом состоянии
func (s *Session) HangUp(ctx context.Context) {
	_ = s.exec(ctx, "hangup", func() error {
		if s.terminated {
			return nil
		}
		if err := s.handle.Hangup(CallOpParam{StatusCode: StatusDecline}); err != nil {
			s.log.LogError(ctx, newError(ErrorCategoryCommand, "hangup", s.id, err), "не удалось завершить звонок")
		}
		return nil
	})
}

// SetHold ставит звонок на удержание или снимает с него
func (s *Session) SetHold(ctx context.Context, hold bool) {
	_ = s.exec(ctx, "set_hold", func() error {
		s.setHold(ctx, hold)
		return nil
	})
}

// ToggleHold инвертирует удержание
func (s *Session) ToggleHold(ctx context.Context) {
	_ = s.exec(ctx, "toggle_hold", func() error {
		s.setHold(ctx, !s.local.Hold)
		return nil
	})
}

func (s *Session) setHold(ctx context.Context, hold bool) {
	if s.terminated || s.local.Hold == hold {
		return
	}

	var err error
	if hold {
		err = s.handle.Hold(CallOpParam{})
	} else {
		prm := CallOpParam{Setting: s.mediaSetting()}
		prm.Setting.Flags |= FlagUnhold
		err = s.handle.Reinvite(prm)
	}
	if err != nil {
		s.log.LogError(ctx, newError(ErrorCategoryCommand, "hold", s.id, err), "не удалось изменить удержание",
			logger.Bool("hold", hold))
		return
	}

	s.local.Hold = hold
	s.queueMediaState(MediaStateLocalHold, hold)
}

// SetMute включает или выключает передачу с микрофона во все активные аудио-треки
func (s *Session) SetMute(ctx context.Context, mute bool) {
	_ = s.exec(ctx, "set_mute", func() error {
		s.setMute(ctx, mute)
		return nil
	})
}

// ToggleMute инвертирует mute
func (s *Session) ToggleMute(ctx context.Context) {
	_ = s.exec(ctx, "toggle_mute", func() error {
		s.setMute(ctx, !s.local.Mute)
		return nil
	})
}

func (s *Session) setMute(ctx context.Context, mute bool) {
	if s.terminated || s.local.Mute == mute {
		return
	}

	info, err := s.handle.Info()
	if err != nil {
		s.log.LogError(ctx, newError(ErrorCategoryQuery, "call_info", s.id, err), "не удалось получить список медиа")
		return
	}

	capture, err := s.platform.Audio.CaptureMedia()
	if err != nil {
		s.log.LogError(ctx, newError(ErrorCategoryQuery, "capture_media", s.id, err), "устройство захвата недоступно")
		return
	}

	for _, m := range info.Media {
		if m.Type != MediaTypeAudio || m.Status != MediaStatusActive {
			continue
		}

		track, err := s.handle.AudioMedia(m.Index)
		if err != nil {
			s.log.LogError(ctx, newError(ErrorCategoryQuery, "audio_media", s.id, err), "аудио-трек недоступен",
				logger.Int("media_index", m.Index))
			continue
		}

		if mute {
			err = capture.StopTransmit(track)
		} else {
			err = capture.StartTransmit(track)
		}
		if err != nil {
			s.log.LogError(ctx, newError(ErrorCategoryCommand, "mute", s.id, err), "не удалось изменить mute",
				logger.Int("media_index", m.Index), logger.Bool("mute", mute))
			continue
		}

		s.local.Mute = mute
		s.queueMediaState(MediaStateLocalMute, mute)
	}
}

// SetVideoMute останавливает или возобновляет передачу видео.
// Повторный вызов с тем же значением ничего не делает.
func (s *Session) SetVideoMute(ctx context.Context, mute bool) {
	_ = s.exec(ctx, "set_video_mute", func() error {
		if s.terminated || s.local.VideoMute == mute {
			return nil
		}
		s.applyVideoMute(ctx, mute)
		return nil
	})
}

// ToggleVideoMute инвертирует mute видео
func (s *Session) ToggleVideoMute(ctx context.Context) {
	_ = s.exec(ctx, "toggle_video_mute", func() error {
		if !s.terminated {
			s.applyVideoMute(ctx, !s.local.VideoMute)
		}
		return nil
	})
}

// applyVideoMute выполняет операцию над потоком без проверки текущего значения
func (s *Session) applyVideoMute(ctx context.Context, mute bool) {
	op := VideoStreamOpStartTransmit
	if mute {
		op = VideoStreamOpStopTransmit
	}

	if err := s.handle.SetVideoStream(op); err != nil {
		s.log.LogError(ctx, newError(ErrorCategoryCommand, "video_mute", s.id, err), "не удалось изменить передачу видео",
			logger.String("op", op.String()))
		return
	}

	s.local.VideoMute = mute
	s.queueMediaState(MediaStateLocalVideoMute, mute)
}

// TransferTo переводит звонок на destination (слепой перевод).
// В отличие от остальных команд ошибка движка возвращается.
func (s *Session) TransferTo(ctx context.Context, destination string) error {
	s.mu.Lock()
	terminated := s.terminated
	s.mu.Unlock()
	if terminated {
		return ErrSessionTerminated
	}

	target, err := BuildTransferTarget(destination, s.owner.Realm())
	if err != nil {
		return err
	}

	return s.exec(ctx, "transfer", func() error {
		if s.terminated {
			return ErrSessionTerminated
		}
		if err := s.handle.Transfer(target, CallOpParam{}); err != nil {
			terr := newError(ErrorCategoryCommand, "transfer", s.id, err)
			s.log.LogError(ctx, terr, "не удалось перевести звонок", logger.String("target", target))
			return terr
		}
		s.log.Info(ctx, "звонок переведен", logger.String("target", target))
		return nil
	})
}

// MakeCall отправляет исходящий вызов и переводит сессию в Calling
func (s *Session) MakeCall(ctx context.Context, destination string) error {
	if err := validateSIPURI(destination); err != nil {
		return err
	}

	return s.exec(ctx, "make_call", func() error {
		if s.direction != DirectionOutgoing {
			return fmt.Errorf("make call on %s session", s.direction)
		}
		if s.terminated {
			return ErrSessionTerminated
		}

		prm := CallOpParam{Setting: s.offerSetting()}
		if err := s.handle.MakeCall(destination, prm); err != nil {
			return newError(ErrorCategoryCommand, "make_call", s.id, err)
		}

		if _, err := advance(ctx, s.machine, StateCalling); err != nil {
			s.log.Warn(ctx, "сессия не перешла в Calling", logger.Err(err))
		}
		return nil
	})
}

// BuildTransferTarget строит адрес перевода в угловых скобках.
// Адрес со схемой берется как есть, иначе sip:DEST@REALM, а для realm "*" sip:DEST.
func BuildTransferTarget(destination, realm string) (string, error) {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return "", fmt.Errorf("%w: empty destination", ErrInvalidTransferTarget)
	}

	uri := destination
	if !hasScheme(destination) {
		if realm == WildcardRealm || realm == "" {
			uri = "sip:" + destination
		} else {
			uri = "sip:" + destination + "@" + realm
		}
	}

	if err := validateSIPURI(uri); err != nil {
		return "", err
	}

	return "<" + uri + ">", nil
}

// hasScheme сообщает, начинается ли адрес со схемы URI (RFC 3986):
// буква, затем буквы, цифры, "+", "-" или ".", затем ":".
// "host:5060" схемой не считается.
func hasScheme(s string) bool {
	scheme, rest, ok := strings.Cut(s, ":")
	if !ok || scheme == "" || rest == "" || !isAlpha(scheme[0]) {
		return false
	}
	for i := 1; i < len(scheme); i++ {
		c := scheme[i]
		if !isAlpha(c) && !isDigit(c) && c != '+' && c != '-' && c != '.' {
			return false
		}
	}
	return !isPort(rest)
}

func isPort(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return false
		}
	}
	return true
}

func isAlpha(c byte) bool { return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' }

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// validateSIPURI проверяет sip:/sips: адрес парсером sipgo, прочие схемы пропускает
func validateSIPURI(uri string) error {
	lower := strings.ToLower(uri)
	if !strings.HasPrefix(lower, "sip:") && !strings.HasPrefix(lower, "sips:") {
		return nil
	}

	var parsed sip.Uri
	if err := sip.ParseUri(uri, &parsed); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidTransferTarget, uri, err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%w: %q: empty host", ErrInvalidTransferTarget, uri)
	}
	return nil
}
