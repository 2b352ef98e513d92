package call

import (
	"context"

	"github.com/arzzra/sipcall/pkg/logger"
	"github.com/pion/rtcp"
)

// unityLevel уровень усиления без изменения сигнала
const unityLevel float32 = 1.0

// OnCallMediaState приводит медиа-ресурсы сессии к списку активных треков движка
func (s *Session) OnCallMediaState(ctx context.Context) error {
	return s.exec(ctx, "on_call_media_state", func() error {
		if s.terminated {
			return nil
		}

		info, err := s.handle.Info()
		if err != nil {
			s.log.LogError(ctx, newError(ErrorCategoryQuery, "call_info", s.id, err), "не удалось получить список медиа")
			return nil
		}

		s.attachMedia(ctx, info.Media)
		return nil
	})
}

func (s *Session) attachMedia(ctx context.Context, media []CallMediaInfo) {
	for _, m := range media {
		if m.Status != MediaStatusActive {
			continue
		}

		switch m.Type {
		case MediaTypeAudio:
			s.connectAudio(ctx, m.Index)
		case MediaTypeVideo:
			if m.IncomingWindowID != InvalidWindowID {
				s.replaceVideo(ctx, m.IncomingWindowID)
			}
		}
	}
}

// connectAudio соединяет трек с устройствами: трек -> динамик, микрофон -> трек.
// При включенном mute микрофон не подключается.
func (s *Session) connectAudio(ctx context.Context, mediaIndex int) {
	log := s.log.WithFields(logger.Int("media_index", mediaIndex))

	track, err := s.handle.AudioMedia(mediaIndex)
	if err != nil {
		log.LogError(ctx, newError(ErrorCategoryQuery, "audio_media", s.id, err), "аудио-трек недоступен")
		return
	}

	playback, err := s.platform.Audio.PlaybackMedia()
	if err != nil {
		log.LogError(ctx, newError(ErrorCategoryQuery, "playback_media", s.id, err), "устройство воспроизведения недоступно")
		return
	}
	if err := track.StartTransmit(playback); err != nil {
		log.LogError(ctx, newError(ErrorCategoryCommand, "connect_playback", s.id, err), "не удалось подключить трек к динамику")
	}

	if !s.local.Mute {
		capture, err := s.platform.Audio.CaptureMedia()
		if err != nil {
			log.LogError(ctx, newError(ErrorCategoryQuery, "capture_media", s.id, err), "устройство захвата недоступно")
		} else if err := capture.StartTransmit(track); err != nil {
			log.LogError(ctx, newError(ErrorCategoryCommand, "connect_capture", s.id, err), "не удалось подключить микрофон к треку")
		}
	}

	if err := track.AdjustTxLevel(unityLevel); err != nil {
		log.Warn(ctx, "не удалось выставить уровень передачи", logger.Err(err))
	}
	if err := track.AdjustRxLevel(unityLevel); err != nil {
		log.Warn(ctx, "не удалось выставить уровень приема", logger.Err(err))
	}
}

// replaceVideo освобождает прежние окно и превью до создания новых
func (s *Session) replaceVideo(ctx context.Context, windowID int) {
	s.releaseWindow(ctx)
	if !s.videoConference {
		s.releasePreview(ctx)
	}

	window, err := s.platform.Video.NewVideoWindow(windowID)
	if err != nil {
		s.log.LogError(ctx, newError(ErrorCategoryResource, "window_create", s.id, err), "не удалось создать окно видео",
			logger.Int("window_id", windowID))
	} else {
		s.window.install(window)
	}

	if s.videoConference {
		return
	}

	preview, err := s.platform.Video.NewVideoPreview(FrontCameraCaptureDevice)
	if err != nil {
		s.log.LogError(ctx, newError(ErrorCategoryResource, "preview_create", s.id, err), "не удалось создать превью")
		return
	}
	s.preview.install(preview)
}

// OnCallMediaEvent обрабатывает смену формата видео и запросы ключевого кадра.
// Событие затем всегда передается стандартной обработке движка.
func (s *Session) OnCallMediaEvent(ctx context.Context, ev MediaEvent) error {
	return s.exec(ctx, "on_call_media_event", func() error {
		if s.terminated {
			return nil
		}

		switch ev.Type {
		case MediaEventFormatChanged:
			if ev.MediaType == MediaTypeVideo && ev.Dir == MediaDirDecoding {
				s.queueVideoSize(ev.Width, ev.Height)
			}
		case MediaEventRtcpFeedback:
			if isKeyframeRequest(ev.Feedback) {
				s.sendKeyframe(ctx)
			}
		}

		s.handle.DefaultMediaEvent(ev)
		return nil
	})
}

// isKeyframeRequest true для запроса обновления декодера без параметров
func isKeyframeRequest(pkt rtcp.Packet) bool {
	switch p := pkt.(type) {
	case *rtcp.PictureLossIndication:
		return true
	case *rtcp.TransportLayerNack:
		return len(p.Nacks) == 0
	default:
		return false
	}
}

// OnStreamDestroyed сохраняет итоговые info и stat аудиопотока.
// Другой возможности получить их у движка нет.
func (s *Session) OnStreamDestroyed(ctx context.Context, streamIndex int) error {
	return s.exec(ctx, "on_stream_destroyed", func() error {
		if s.terminated {
			return nil
		}

		info, err := s.handle.StreamInfo(streamIndex)
		if err != nil {
			s.log.LogError(ctx, newError(ErrorCategoryQuery, "stream_info", s.id, err), "не удалось получить информацию о потоке",
				logger.Int("stream_index", streamIndex))
			return nil
		}
		if info.Type != MediaTypeAudio {
			return nil
		}

		stat, err := s.handle.StreamStat(streamIndex)
		if err != nil {
			s.log.LogError(ctx, newError(ErrorCategoryQuery, "stream_stat", s.id, err), "не удалось получить статистику потока",
				logger.Int("stream_index", streamIndex))
			return nil
		}

		s.pending = &streamSnapshot{info: info, stat: stat}
		return nil
	})
}

// AttachIncomingVideoFeed привязывает окно входящего видео к поверхности
func (s *Session) AttachIncomingVideoFeed(ctx context.Context, surface Surface) {
	_ = s.exec(ctx, "attach_incoming_video", func() error {
		window, ok := s.window.get()
		if !ok || s.terminated {
			return nil
		}

		if err := window.SetSurface(surface); err != nil {
			s.log.LogError(ctx, newError(ErrorCategoryResource, "window_bind", s.id, err), "не удалось привязать окно к поверхности")
			return nil
		}

		width, height, err := window.Size()
		if err != nil {
			s.log.LogError(ctx, newError(ErrorCategoryQuery, "window_size", s.id, err), "размер окна недоступен")
		} else {
			s.queueVideoSize(width, height)
		}

		// поток не должен молча возобновиться в обход mute
		s.applyVideoMute(ctx, s.local.VideoMute)
		return nil
	})
}

// StartPreviewFeed запускает отрисовку превью на поверхности
func (s *Session) StartPreviewFeed(ctx context.Context, surface Surface) {
	_ = s.exec(ctx, "start_preview", func() error {
		preview, ok := s.preview.get()
		if !ok || s.terminated {
			return nil
		}
		if err := preview.Start(surface); err != nil {
			s.log.LogError(ctx, newError(ErrorCategoryResource, "preview_start", s.id, err), "не удалось запустить превью")
		}
		return nil
	})
}

// StopIncomingFeed освобождает окно входящего видео
func (s *Session) StopIncomingFeed(ctx context.Context) {
	_ = s.exec(ctx, "stop_incoming_video", func() error {
		s.releaseWindow(ctx)
		return nil
	})
}

// StopPreviewFeed останавливает отрисовку превью, само превью остается
// для следующего StartPreviewFeed
func (s *Session) StopPreviewFeed(ctx context.Context) {
	_ = s.exec(ctx, "stop_preview", func() error {
		preview, ok := s.preview.get()
		if !ok {
			return nil
		}
		if err := preview.Stop(); err != nil {
			s.log.LogError(ctx, newError(ErrorCategoryResource, "preview_stop", s.id, err), "не удалось остановить превью")
		}
		return nil
	})
}

// SendKeyframe отправляет ключевой кадр в видеопотоке
func (s *Session) SendKeyframe(ctx context.Context) {
	_ = s.exec(ctx, "send_keyframe", func() error {
		if !s.terminated {
			s.sendKeyframe(ctx)
		}
		return nil
	})
}

func (s *Session) sendKeyframe(ctx context.Context) {
	if err := s.handle.SetVideoStream(VideoStreamOpSendKeyframe); err != nil {
		s.log.LogError(ctx, newError(ErrorCategoryCommand, "send_keyframe", s.id, err), "не удалось отправить ключевой кадр")
	}
}
