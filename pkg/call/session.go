package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arzzra/sipcall/pkg/logger"
	"github.com/looplab/fsm"
)

// LocalMediaState локальные медиа-флаги звонка.
// Меняется целиком под блокировкой сессии, наружу отдается копией.
type LocalMediaState struct {
	Hold      bool
	Mute      bool
	VideoMute bool
}

// Deps зависимости сессии
type Deps struct {
	Owner    Owner
	Platform Platform
	Emitter  Emitter
	Logger   logger.StructuredLogger
}

// Option настраивает сессию при создании
type Option func(*Session)

// WithClock подменяет источник времени (для тестов)
func WithClock(clock func() time.Time) Option {
	return func(s *Session) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithVideo задает видеорежим звонка
func WithVideo(video, conference bool) Option {
	return func(s *Session) {
		s.videoCall = video
		s.videoConference = conference
	}
}

// WithFrontCamera задает флаг фронтальной камеры
func WithFrontCamera(front bool) Option {
	return func(s *Session) {
		s.frontCamera = front
	}
}

// Session контроллер одного звонка.
//
// Сессия держит handle звонка движка и реагирует на события движка
// (OnCallState, OnCallMediaState, OnCallMediaEvent, OnStreamDestroyed)
// и на команды аккаунта. Все изменяемые поля защищены mu. Уведомления,
// созданные под блокировкой, копятся в outbox и отправляются в Emitter
// после ее снятия в порядке появления.
type Session struct {
	mu sync.Mutex

	id        int
	direction Direction
	handle    CallHandle
	owner     Owner
	platform  Platform
	emitter   Emitter
	log       logger.StructuredLogger
	clock     func() time.Time

	machine          *fsm.FSM
	terminated       bool
	lastStatusCode   StatusCode
	lastReason       string
	connectTimestamp int64
	local            LocalMediaState

	videoCall       bool
	videoConference bool
	frontCamera     bool

	ringback slot[TonePlayer]
	window   slot[VideoWindow]
	preview  slot[VideoPreview]

	// снимок аудиопотока: info и stat есть оба или нет ни одного
	pending *streamSnapshot

	outbox   []notification
	flushing bool
	// номера уведомлений: последний поставленный и последний отправленный
	queuedSeq uint64
	sentSeq   uint64
	sent      *sync.Cond
	// ошибки отправки propagate-уведомлений по номеру, забирает владелец
	sendErrs map[uint64]error
}

// NewSession создает сессию для звонка движка.
// Входящий звонок сразу находится в Incoming, исходящий в Null до MakeCall.
func NewSession(handle CallHandle, direction Direction, deps Deps, opts ...Option) (*Session, error) {
	if handle == nil {
		return nil, errors.New("call handle is nil")
	}
	if deps.Owner == nil {
		return nil, errors.New("owner is nil")
	}
	if deps.Emitter == nil {
		return nil, errors.New("emitter is nil")
	}
	if deps.Platform.Audio == nil || deps.Platform.Video == nil || deps.Platform.Tones == nil {
		return nil, errors.New("platform devices are not configured")
	}

	log := deps.Logger
	if log == nil {
		log = logger.GetDefaultLogger()
	}

	initial := StateNull
	if direction == DirectionIncoming {
		initial = StateIncoming
	}

	s := &Session{
		id:        handle.ID(),
		direction: direction,
		handle:    handle,
		owner:     deps.Owner,
		platform:  deps.Platform,
		emitter:   deps.Emitter,
		clock:     time.Now,
		machine:   newStateMachine(initial),
		sendErrs:  make(map[uint64]error),
	}
	s.sent = sync.NewCond(&s.mu)
	s.log = log.WithComponent("call").WithCall(s.id)

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// ID возвращает id звонка в движке
func (s *Session) ID() int {
	return s.id
}

// Direction возвращает направление звонка
func (s *Session) Direction() Direction {
	return s.direction
}

// State возвращает состояние FSM сессии без обращения к движку
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return stateFromString(s.machine.Current())
}

// LastStatus возвращает последний код и причину из сигнализации
func (s *Session) LastStatus() (StatusCode, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStatusCode, s.lastReason
}

// ConnectTimestamp время перехода в Confirmed (unix ms), 0 до него
func (s *Session) ConnectTimestamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectTimestamp
}

// LocalState возвращает копию локальных медиа-флагов
func (s *Session) LocalState() LocalMediaState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

func (s *Session) IsLocalHold() bool      { return s.LocalState().Hold }
func (s *Session) IsLocalMute() bool      { return s.LocalState().Mute }
func (s *Session) IsLocalVideoMute() bool { return s.LocalState().VideoMute }

// IsVideoCall true для видеозвонка
func (s *Session) IsVideoCall() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoCall
}

// IsVideoConference true в режиме конференции (без локального превью)
func (s *Session) IsVideoConference() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoConference
}

// SetVideoParams задает видеорежим до установления медиа
func (s *Session) SetVideoParams(video, conference bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videoCall = video
	s.videoConference = conference
}

func (s *Session) IsFrontCamera() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frontCamera
}

func (s *Session) SetFrontCamera(front bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frontCamera = front
}

func (s *Session) HasRingback() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ringback.live
}

func (s *Session) HasVideoWindow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window.live
}

func (s *Session) HasVideoPreview() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preview.live
}

// HasPendingStats true, если снимок аудиопотока захвачен и еще не отправлен
func (s *Session) HasPendingStats() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// notification отложенное уведомление Emitter
type notification struct {
	name string
	// ошибка отправки возвращается вызывающему, а не только логируется
	propagate bool
	send      func(Emitter) error
	seq       uint64
}

func (s *Session) enqueue(n notification) {
	s.queuedSeq++
	n.seq = s.queuedSeq
	s.outbox = append(s.outbox, n)
}

// batch уведомления одного вызова: номера (first, last]
type batch struct {
	first, last uint64
}

func (s *Session) queueCallState(state State) {
	ownerID := s.owner.IDURI()
	callID := s.id
	status := s.lastStatusCode
	ts := s.connectTimestamp
	s.enqueue(notification{
		name: "call_state",
		send: func(e Emitter) error {
			return e.CallState(ownerID, callID, state, status, ts)
		},
	})
}

func (s *Session) queueMediaState(kind MediaStateKind, value bool) {
	ownerID := s.owner.IDURI()
	callID := s.id
	s.enqueue(notification{
		name: "call_media_state",
		send: func(e Emitter) error {
			return e.CallMediaState(ownerID, callID, kind, value)
		},
	})
}

func (s *Session) queueVideoSize(width, height int) {
	s.enqueue(notification{
		name: "video_size",
		send: func(e Emitter) error {
			return e.VideoSize(width, height)
		},
	})
}

// locked выполняет fn под блокировкой сессии и возвращает уведомления,
// которые fn поставила в очередь. Паника коллабораторов не выходит за
// пределы точки входа и превращается в ошибку.
func (s *Session) locked(ctx context.Context, op string, fn func() error) (b batch, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b.first = s.queuedSeq
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", op, r)
			s.log.LogError(ctx, err, "паника в обработчике сессии", logger.String("op", op))
		}
		b.last = s.queuedSeq
	}()
	return b, fn()
}

// exec locked + отправка накопленных уведомлений
func (s *Session) exec(ctx context.Context, op string, fn func() error) error {
	b, err := s.locked(ctx, op, fn)
	return errors.Join(err, s.flush(ctx, b, false))
}

// flush отправляет outbox без удержания блокировки, по одному уведомлению
// в порядке появления.
//
// Если отправку уже ведет другой вызов, без wait уведомления остаются ему:
// так Emitter может вернуться в сессию без взаимной блокировки. С wait
// вызов ждет, пока будут отправлены уведомления b, и возвращает их ошибки.
// Ждать нельзя изнутри Emitter.
func (s *Session) flush(ctx context.Context, b batch, wait bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.flushing {
		if !wait || s.sentSeq >= b.last {
			return s.takeErrors(b)
		}
		s.sent.Wait()
	}

	s.flushing = true
	for len(s.outbox) > 0 {
		pending := s.outbox
		s.outbox = nil

		for _, n := range pending {
			s.mu.Unlock()
			err := s.send(n)
			if err != nil {
				s.log.LogError(ctx, err, "ошибка отправки уведомления", logger.String("notification", n.name))
			}
			s.mu.Lock()

			if err != nil && n.propagate {
				s.sendErrs[n.seq] = newError(ErrorCategoryStats, n.name, s.id, err)
			}
			s.sentSeq = n.seq
			s.sent.Broadcast()
		}
	}
	s.flushing = false
	s.sent.Broadcast()

	return s.takeErrors(b)
}

// takeErrors забирает ошибки отправки уведомлений b
func (s *Session) takeErrors(b batch) error {
	var errs []error
	for seq := b.first + 1; seq <= b.last; seq++ {
		if err, ok := s.sendErrs[seq]; ok {
			errs = append(errs, err)
			delete(s.sendErrs, seq)
		}
	}
	return errors.Join(errs...)
}

func (s *Session) send(n notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("emitter panic: %v", r)
		}
	}()
	return n.send(s.emitter)
}
