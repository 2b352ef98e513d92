package simengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arzzra/sipcall/pkg/call"
	"github.com/arzzra/sipcall/pkg/logger"
	"github.com/google/uuid"
)

const (
	audioIndex = 0
	videoIndex = 1
)

// Call звонок движка, реализует call.CallHandle.
//
// Команды сессии (Answer, Hangup, Hold, ...) вызываются под блокировкой
// сессии, поэтому только ставят события в очередь движка. Методы удаленной
// стороны (Ring, RemoteAnswer, ...) ставят события и сразу вызывают Drain.
type Call struct {
	engine *Engine
	id     int
	log    logger.StructuredLogger

	mu           sync.Mutex
	sipCallID    string
	sessionID    uint64
	role         call.Role
	video        bool
	remoteURI    string
	state        call.State
	target       call.State
	status       call.StatusCode
	reason       string
	connectedAt  time.Time
	endedAt      time.Time
	media        []call.CallMediaInfo
	port         *Port
	rtpPort      int
	stream       *audioStream
	offers       []string
	transfers    []string
	videoOps     []call.VideoStreamOp
	defaultEvent []call.MediaEvent
	deleted      bool
}

func newCall(e *Engine, id int, role call.Role, remoteURI string, video bool) *Call {
	callID := uuid.New()
	state := call.StateNull
	if role == call.RoleUAS {
		state = call.StateIncoming
	}
	return &Call{
		engine:    e,
		id:        id,
		log:       e.log.WithCall(id),
		sipCallID: callID.String(),
		sessionID: sessionIDFromUUID(callID),
		role:      role,
		video:     video,
		remoteURI: remoteURI,
		state:     state,
		target:    state,
	}
}

func (c *Call) ID() int {
	return c.id
}

func (c *Call) Info() (call.CallInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.deleted {
		return call.CallInfo{}, ErrCallDeleted
	}

	var duration time.Duration
	if !c.connectedAt.IsZero() {
		end := c.endedAt
		if end.IsZero() {
			end = c.engine.opts.Clock()
		}
		duration = end.Sub(c.connectedAt)
	}

	media := make([]call.CallMediaInfo, len(c.media))
	copy(media, c.media)

	return call.CallInfo{
		ID:              c.id,
		CallIDString:    c.sipCallID,
		State:           c.state,
		Role:            c.role,
		LastStatusCode:  c.status,
		LastReason:      c.reason,
		RemoteURI:       c.remoteURI,
		LocalURI:        c.engine.opts.LocalURI,
		ConnectDuration: duration,
		Media:           media,
	}, nil
}

func (c *Call) mediaAt(index int) (call.CallMediaInfo, bool) {
	if index < 0 || index >= len(c.media) {
		return call.CallMediaInfo{}, false
	}
	return c.media[index], true
}

func (c *Call) AudioMedia(index int) (call.AudioMedia, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.mediaAt(index)
	if !ok || m.Type != call.MediaTypeAudio || c.port == nil {
		return nil, fmt.Errorf("audio media %d: %w", index, ErrNoMedia)
	}
	return c.port, nil
}

func (c *Call) StreamInfo(index int) (call.StreamInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.mediaAt(index)
	if !ok {
		return call.StreamInfo{}, fmt.Errorf("stream %d: %w", index, ErrNoMedia)
	}
	switch m.Type {
	case call.MediaTypeAudio:
		if c.stream == nil {
			return call.StreamInfo{}, fmt.Errorf("stream %d: %w", index, ErrNoMedia)
		}
		return call.StreamInfo{Type: call.MediaTypeAudio, CodecName: "PCMU", ClockRate: audioClockRate}, nil
	case call.MediaTypeVideo:
		return call.StreamInfo{Type: call.MediaTypeVideo, CodecName: videoCodec, ClockRate: videoClockRate}, nil
	}
	return call.StreamInfo{}, fmt.Errorf("stream %d: %w", index, ErrNoMedia)
}

func (c *Call) StreamStat(index int) (call.StreamStat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.mediaAt(index)
	if !ok || m.Type != call.MediaTypeAudio || c.stream == nil {
		return call.StreamStat{}, fmt.Errorf("stream stat %d: %w", index, ErrNoMedia)
	}
	return c.stream.stat(), nil
}

func (c *Call) checkAlive(op string) error {
	if c.deleted {
		return fmt.Errorf("%s: %w", op, ErrCallDeleted)
	}
	if err := c.engine.takeFailure(op); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (c *Call) invalidState(op string) error {
	return fmt.Errorf("%s in %s: %w", op, c.target, ErrInvalidState)
}

func (c *Call) recordOffer(setting call.CallSetting, direction string) error {
	if c.rtpPort == 0 {
		c.rtpPort = c.engine.allocPorts()
	}
	desc, err := c.engine.buildOffer(offerParams{
		sessionID: c.sessionID,
		localIP:   c.engine.opts.LocalIP,
		port:      c.rtpPort,
		setting:   setting,
		direction: direction,
	})
	if err != nil {
		return err
	}
	raw, err := desc.Marshal()
	if err != nil {
		return fmt.Errorf("sdp marshal: %w", err)
	}
	c.offers = append(c.offers, string(raw))
	return nil
}

func stateEvent(c *Call, apply func(c *Call)) pendingEvent {
	return pendingEvent{kind: eventCallState, call: c, apply: apply}
}

func mediaStateEvent(c *Call, apply func(c *Call)) pendingEvent {
	return pendingEvent{kind: eventCallMediaState, call: c, apply: apply}
}

func setState(state call.State, status call.StatusCode, reason string) func(c *Call) {
	return func(c *Call) {
		c.state = state
		c.status = status
		c.reason = reason
	}
}

// connectEvents Connecting, затем Confirmed с активными медиа
func (c *Call) connectEvents(status call.StatusCode) []pendingEvent {
	c.target = call.StateConfirmed
	return []pendingEvent{
		stateEvent(c, setState(call.StateConnecting, status, "OK")),
		stateEvent(c, func(c *Call) {
			setState(call.StateConfirmed, status, "OK")(c)
			c.connectedAt = c.engine.opts.Clock()
			c.activateMedia()
		}),
		mediaStateEvent(c, nil),
	}
}

func (c *Call) activateMedia() {
	if c.port == nil {
		c.port = NewPort(fmt.Sprintf("call-%d", c.id))
	}
	if c.stream == nil {
		c.stream = newAudioStream(c.id, c.engine.opts.Clock())
	}
	c.media = []call.CallMediaInfo{{
		Index:            audioIndex,
		Type:             call.MediaTypeAudio,
		Status:           call.MediaStatusActive,
		Dir:              call.MediaDirEncodingDecoding,
		IncomingWindowID: call.InvalidWindowID,
	}}
	if c.video {
		c.media = append(c.media, call.CallMediaInfo{
			Index:            videoIndex,
			Type:             call.MediaTypeVideo,
			Status:           call.MediaStatusActive,
			Dir:              call.MediaDirEncodingDecoding,
			IncomingWindowID: c.engine.allocWindow(),
		})
	}
}

func (c *Call) setMediaStatus(status call.MediaStatus) {
	for i := range c.media {
		c.media[i].Status = status
	}
}

// disconnectEvents удаление аудио-потока, затем Disconnected
func (c *Call) disconnectEvents(status call.StatusCode, reason string) []pendingEvent {
	hadMedia := c.stream != nil || c.target == call.StateConfirmed
	c.target = call.StateDisconnected

	var events []pendingEvent
	if hadMedia {
		events = append(events, pendingEvent{kind: eventStreamDestroyed, call: c, stream: audioIndex})
	}
	events = append(events, stateEvent(c, func(c *Call) {
		setState(call.StateDisconnected, status, reason)(c)
		if !c.connectedAt.IsZero() {
			c.endedAt = c.engine.opts.Clock()
		}
		c.setMediaStatus(call.MediaStatusNone)
	}))
	return events
}

func (c *Call) Answer(prm call.CallOpParam) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkAlive("answer"); err != nil {
		return err
	}
	if c.role != call.RoleUAS || (c.target != call.StateIncoming && c.target != call.StateEarly) {
		return c.invalidState("answer")
	}

	var events []pendingEvent
	code := prm.StatusCode
	switch {
	case code == call.StatusRinging || code == call.StatusSessionProgress:
		c.target = call.StateEarly
		events = append(events, stateEvent(c, setState(call.StateEarly, code, "")))
	case code >= 200 && code < 300:
		if err := c.recordOffer(prm.Setting, ""); err != nil {
			return err
		}
		events = c.connectEvents(code)
	case code >= 300:
		events = c.disconnectEvents(code, prm.Reason)
	default:
		return fmt.Errorf("answer with status %d: %w", code, ErrInvalidState)
	}

	c.log.Debug(context.Background(), "ответ на входящий звонок", logger.Int("status", int(code)))
	c.engine.enqueue(events...)
	return nil
}

func (c *Call) Hangup(prm call.CallOpParam) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkAlive("hangup"); err != nil {
		return err
	}
	if c.target == call.StateDisconnected {
		return c.invalidState("hangup")
	}

	status := prm.StatusCode
	if status == 0 {
		status = call.StatusDecline
	}
	if c.target == call.StateCalling || (c.role == call.RoleUAC && c.target == call.StateEarly) {
		// отмена исходящего до ответа
		status = call.StatusRequestTerminated
	}

	c.engine.enqueue(c.disconnectEvents(status, prm.Reason)...)
	return nil
}

func (c *Call) Hold(prm call.CallOpParam) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkAlive("hold"); err != nil {
		return err
	}
	if c.target != call.StateConfirmed {
		return c.invalidState("hold")
	}

	setting := prm.Setting
	if setting.AudioCount == 0 {
		setting.AudioCount = 1
	}
	if err := c.recordOffer(setting, "sendonly"); err != nil {
		return err
	}
	c.engine.enqueue(mediaStateEvent(c, func(c *Call) { c.setMediaStatus(call.MediaStatusLocalHold) }))
	return nil
}

func (c *Call) Reinvite(prm call.CallOpParam) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkAlive("reinvite"); err != nil {
		return err
	}
	if c.target != call.StateConfirmed {
		return c.invalidState("reinvite")
	}

	if err := c.recordOffer(prm.Setting, ""); err != nil {
		return err
	}
	unhold := prm.Setting.Flags&call.FlagUnhold != 0
	c.engine.enqueue(mediaStateEvent(c, func(c *Call) {
		if unhold {
			c.setMediaStatus(call.MediaStatusActive)
		}
	}))
	return nil
}

func (c *Call) Transfer(target string, prm call.CallOpParam) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkAlive("transfer"); err != nil {
		return err
	}
	if c.target != call.StateConfirmed {
		return c.invalidState("transfer")
	}
	if target == "" {
		return fmt.Errorf("transfer: empty target")
	}
	c.transfers = append(c.transfers, target)
	c.log.Debug(context.Background(), "перевод звонка", logger.String("target", target))
	return nil
}

func (c *Call) SetVideoStream(op call.VideoStreamOp) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkAlive("video_stream"); err != nil {
		return err
	}
	if !c.video {
		return fmt.Errorf("video stream %s: %w", op, ErrNoMedia)
	}
	c.videoOps = append(c.videoOps, op)
	return nil
}

func (c *Call) MakeCall(destination string, prm call.CallOpParam) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkAlive("make_call"); err != nil {
		return err
	}
	if c.role != call.RoleUAC || c.target != call.StateNull {
		return c.invalidState("make_call")
	}
	if prm.Setting.VideoCount > 0 {
		c.video = true
	}
	if err := c.recordOffer(prm.Setting, ""); err != nil {
		return err
	}

	c.remoteURI = destination
	c.target = call.StateCalling
	c.engine.enqueue(stateEvent(c, setState(call.StateCalling, 0, "")))
	return nil
}

func (c *Call) DefaultMediaEvent(ev call.MediaEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaultEvent = append(c.defaultEvent, ev)
}

func (c *Call) Delete() error {
	c.mu.Lock()
	if c.deleted {
		c.mu.Unlock()
		return ErrCallDeleted
	}
	c.deleted = true
	port := c.port
	c.mu.Unlock()

	if port != nil {
		_ = c.engine.capture.StopTransmit(port)
		_ = port.StopTransmit(c.engine.playback)
	}
	c.engine.forget(c.id)
	return nil
}

// Удаленная сторона

func (c *Call) remote(ctx context.Context, op string, fn func() ([]pendingEvent, error)) error {
	c.mu.Lock()
	if c.deleted {
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", op, ErrCallDeleted)
	}
	events, err := fn()
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.engine.enqueue(events...)
	return c.engine.Drain(ctx)
}

// Ring удаленная сторона ответила 180 Ringing
func (c *Call) Ring(ctx context.Context) error {
	return c.early(ctx, call.StatusRinging, "Ringing")
}

// Progress удаленная сторона ответила 183 Session Progress
func (c *Call) Progress(ctx context.Context) error {
	return c.early(ctx, call.StatusSessionProgress, "Session Progress")
}

func (c *Call) early(ctx context.Context, status call.StatusCode, reason string) error {
	return c.remote(ctx, "early", func() ([]pendingEvent, error) {
		if c.role != call.RoleUAC || (c.target != call.StateCalling && c.target != call.StateEarly) {
			return nil, c.invalidState("early")
		}
		c.target = call.StateEarly
		return []pendingEvent{stateEvent(c, setState(call.StateEarly, status, reason))}, nil
	})
}

// RemoteAnswer удаленная сторона приняла исходящий звонок
func (c *Call) RemoteAnswer(ctx context.Context) error {
	return c.remote(ctx, "remote_answer", func() ([]pendingEvent, error) {
		if c.role != call.RoleUAC || (c.target != call.StateCalling && c.target != call.StateEarly) {
			return nil, c.invalidState("remote_answer")
		}
		return c.connectEvents(call.StatusOK), nil
	})
}

// RemoteReject удаленная сторона отклонила исходящий звонок
func (c *Call) RemoteReject(ctx context.Context, status call.StatusCode, reason string) error {
	return c.remote(ctx, "remote_reject", func() ([]pendingEvent, error) {
		if c.role != call.RoleUAC || (c.target != call.StateCalling && c.target != call.StateEarly) {
			return nil, c.invalidState("remote_reject")
		}
		return c.disconnectEvents(status, reason), nil
	})
}

// RemoteHangup удаленная сторона завершила звонок (BYE или CANCEL)
func (c *Call) RemoteHangup(ctx context.Context) error {
	return c.remote(ctx, "remote_hangup", func() ([]pendingEvent, error) {
		if c.target == call.StateDisconnected {
			return nil, c.invalidState("remote_hangup")
		}
		status := call.StatusOK
		reason := "Normal call clearing"
		if c.target != call.StateConfirmed {
			status = call.StatusRequestTerminated
			reason = "Request Terminated"
		}
		return c.disconnectEvents(status, reason), nil
	})
}

// RemoteHold удаленная сторона поставила звонок на удержание
func (c *Call) RemoteHold(ctx context.Context) error {
	return c.remote(ctx, "remote_hold", func() ([]pendingEvent, error) {
		if c.target != call.StateConfirmed {
			return nil, c.invalidState("remote_hold")
		}
		return []pendingEvent{mediaStateEvent(c, func(c *Call) { c.setMediaStatus(call.MediaStatusRemoteHold) })}, nil
	})
}

// VideoFormatChanged декодер входящего видео сообщил новый размер кадра
func (c *Call) VideoFormatChanged(ctx context.Context, width, height int) error {
	return c.remote(ctx, "video_format", func() ([]pendingEvent, error) {
		m, ok := c.mediaAt(videoIndex)
		if !ok || m.Type != call.MediaTypeVideo {
			return nil, fmt.Errorf("video format: %w", ErrNoMedia)
		}
		c.engine.setWindowSize(m.IncomingWindowID, width, height)
		return []pendingEvent{{
			kind: eventMediaEvent,
			call: c,
			ev: call.MediaEvent{
				Type:       call.MediaEventFormatChanged,
				MediaIndex: videoIndex,
				MediaType:  call.MediaTypeVideo,
				Dir:        call.MediaDirDecoding,
				Width:      width,
				Height:     height,
			},
		}}, nil
	})
}

// RequestKeyframe удаленная сторона прислала RTCP PLI
func (c *Call) RequestKeyframe(ctx context.Context) error {
	return c.feedback(ctx, "keyframe_request", func(sender, media uint32) (pendingEvent, error) {
		pkt, err := keyframeRequest(sender, media)
		return pendingEvent{ev: call.MediaEvent{Feedback: pkt}}, err
	})
}

// Nack удаленная сторона прислала RTCP generic NACK;
// NACK без номеров пакетов считается запросом ключевого кадра
func (c *Call) Nack(ctx context.Context, seqs ...uint16) error {
	return c.feedback(ctx, "nack", func(sender, media uint32) (pendingEvent, error) {
		pkt, err := nackRequest(sender, media, seqs)
		return pendingEvent{ev: call.MediaEvent{Feedback: pkt}}, err
	})
}

func (c *Call) feedback(ctx context.Context, op string, build func(sender, media uint32) (pendingEvent, error)) error {
	return c.remote(ctx, op, func() ([]pendingEvent, error) {
		m, ok := c.mediaAt(videoIndex)
		if !ok || m.Type != call.MediaTypeVideo {
			return nil, fmt.Errorf("%s: %w", op, ErrNoMedia)
		}
		sender, media := 0x30000000+uint32(c.id), 0x40000000+uint32(c.id)
		ev, err := build(sender, media)
		if err != nil {
			return nil, err
		}
		ev.kind = eventMediaEvent
		ev.call = c
		ev.ev.Type = call.MediaEventRtcpFeedback
		ev.ev.MediaIndex = videoIndex
		ev.ev.MediaType = call.MediaTypeVideo
		ev.ev.Dir = call.MediaDirEncoding
		return []pendingEvent{ev}, nil
	})
}

// SimulateAudio прогоняет RTP трафик через аудио-поток звонка
func (c *Call) SimulateAudio(t Traffic) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleted {
		return ErrCallDeleted
	}
	if c.stream == nil {
		return fmt.Errorf("simulate audio: %w", ErrNoMedia)
	}
	return c.stream.run(t)
}

// Наблюдение за звонком из тестов и сценариев

// Port аудио-порт звонка, nil до установления медиа
func (c *Call) Port() *Port {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port
}

// Offers SDP всех исходящих запросов по порядку
func (c *Call) Offers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.offers...)
}

// Transfers цели переводов
func (c *Call) Transfers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.transfers...)
}

// VideoOps операции над видеопотоком
func (c *Call) VideoOps() []call.VideoStreamOp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]call.VideoStreamOp(nil), c.videoOps...)
}

// DefaultHandled медиа-события, переданные в стандартную обработку
func (c *Call) DefaultHandled() []call.MediaEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]call.MediaEvent(nil), c.defaultEvent...)
}

// Deleted удален ли звонок
func (c *Call) Deleted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deleted
}

// MediaStatus состояние медиа-трека
func (c *Call) MediaStatus(index int) call.MediaStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.mediaAt(index)
	if !ok {
		return call.MediaStatusNone
	}
	return m.Status
}
