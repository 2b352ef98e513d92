package call

import (
	"context"

	"github.com/arzzra/sipcall/pkg/logger"
)

type releaser interface {
	Release() error
}

// slot хранит не более одного живого ресурса.
// После release ссылка очищается даже при ошибке освобождения.
type slot[T releaser] struct {
	res  T
	live bool
}

func (s *slot[T]) get() (T, bool) {
	return s.res, s.live
}

// install кладет ресурс в пустой слот. Занятый слот сначала освобождают.
func (s *slot[T]) install(res T) {
	s.res = res
	s.live = true
}

func (s *slot[T]) release() error {
	if !s.live {
		return nil
	}
	res := s.res
	var zero T
	s.res = zero
	s.live = false
	return res.Release()
}

// startRingback запускает тон, если он еще не звучит
func (s *Session) startRingback(ctx context.Context) {
	if s.ringback.live {
		return
	}

	tone, err := s.platform.Tones.NewRingback()
	if err != nil {
		s.log.LogError(ctx, newError(ErrorCategoryResource, "ringback_create", s.id, err), "не удалось создать генератор тона")
		return
	}
	if err := tone.Start(); err != nil {
		s.log.LogError(ctx, newError(ErrorCategoryResource, "ringback_start", s.id, err), "не удалось запустить тон")
		if rerr := tone.Release(); rerr != nil {
			s.log.LogError(ctx, rerr, "не удалось освободить генератор тона")
		}
		return
	}
	s.ringback.install(tone)
}

func (s *Session) stopRingback(ctx context.Context) {
	tone, ok := s.ringback.get()
	if !ok {
		return
	}
	if err := tone.Stop(); err != nil {
		s.log.LogError(ctx, newError(ErrorCategoryResource, "ringback_stop", s.id, err), "не удалось остановить тон")
	}
	if err := s.ringback.release(); err != nil {
		s.log.LogError(ctx, newError(ErrorCategoryResource, "ringback_release", s.id, err), "не удалось освободить генератор тона")
	}
}

func (s *Session) releaseWindow(ctx context.Context) {
	if err := s.window.release(); err != nil {
		s.log.LogError(ctx, newError(ErrorCategoryResource, "window_release", s.id, err), "не удалось освободить окно видео")
	}
}

func (s *Session) releasePreview(ctx context.Context) {
	if err := s.preview.release(); err != nil {
		s.log.LogError(ctx, newError(ErrorCategoryResource, "preview_release", s.id, err), "не удалось освободить превью",
			logger.Bool("conference", s.videoConference))
	}
}
