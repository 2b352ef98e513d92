// Package simengine движок звонков в памяти процесса.
//
// Engine реализует контракты внешнего движка (call.CallHandle, устройства
// платформы, account.Engine) без сети: состояние звонка меняется командами
// сессии и методами, имитирующими удаленную сторону (Ring, RemoteAnswer,
// RemoteHangup, ...). События для сессий копятся в очереди и доставляются
// слушателю методом Drain в порядке появления, вне блокировок движка.
//
// Движок считает живые ресурсы (ringback, окна, превью), формирует SDP
// для исходящих запросов через pion/sdp, прогоняет RTP трафик через
// rtpstat и синтезирует RTCP feedback (PLI, NACK).
package simengine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/arzzra/sipcall/pkg/call"
	"github.com/arzzra/sipcall/pkg/logger"
	"github.com/arzzra/sipcall/pkg/tone"
)

var (
	ErrCallDeleted  = errors.New("call deleted")
	ErrInvalidState = errors.New("operation not allowed in current call state")
	ErrNoMedia      = errors.New("media not available")
	ErrReleased     = errors.New("resource already released")
	ErrNoListener   = errors.New("engine listener is not set")
)

// Виды ресурсов, которые считает движок
const (
	ResourceRingback = "ringback"
	ResourceWindow   = "video_window"
	ResourcePreview  = "video_preview"
)

// Listener получатель событий движка; account.Account удовлетворяет ему
type Listener interface {
	OnIncomingCall(ctx context.Context, handle call.CallHandle, video bool) (*call.Session, error)
	OnCallState(ctx context.Context, callID int) error
	OnCallMediaState(ctx context.Context, callID int) error
	OnCallMediaEvent(ctx context.Context, callID int, ev call.MediaEvent) error
	OnStreamDestroyed(ctx context.Context, callID, streamIndex int) error
}

// Options настройки движка
type Options struct {
	// LocalURI адрес локальной стороны в CallInfo
	LocalURI string
	// LocalIP адрес в SDP
	LocalIP string
	// BasePort первый RTP порт
	BasePort int
	// VideoWidth, VideoHeight начальный размер входящего видео
	VideoWidth  int
	VideoHeight int

	RingbackPattern tone.Pattern
	RingbackVolume  int

	Clock  func() time.Time
	Logger logger.StructuredLogger
}

func (o *Options) setDefaults() {
	if o.LocalURI == "" {
		o.LocalURI = "sip:sim@127.0.0.1"
	}
	if o.LocalIP == "" {
		o.LocalIP = "127.0.0.1"
	}
	if o.BasePort == 0 {
		o.BasePort = 40000
	}
	if o.VideoWidth == 0 || o.VideoHeight == 0 {
		o.VideoWidth, o.VideoHeight = 640, 480
	}
	if len(o.RingbackPattern.Frequencies) == 0 {
		o.RingbackPattern = tone.CEPTRingback
	}
	if o.RingbackVolume == 0 {
		o.RingbackVolume = tone.DefaultVolume
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Logger == nil {
		o.Logger = logger.GetDefaultLogger()
	}
}

type eventKind int

const (
	eventCallState eventKind = iota
	eventCallMediaState
	eventMediaEvent
	eventStreamDestroyed
)

// pendingEvent событие в очереди доставки. apply меняет состояние звонка
// в момент доставки, чтобы Info() в обработчике видел именно это событие.
type pendingEvent struct {
	kind   eventKind
	call   *Call
	apply  func(c *Call)
	ev     call.MediaEvent
	stream int
}

type videoSize struct {
	width, height int
}

// Engine движок звонков в памяти
type Engine struct {
	opts Options
	log  logger.StructuredLogger

	capture  *Port
	playback *Port
	tones    *toneFactory

	mu          sync.Mutex
	listener    Listener
	nextCallID  int
	nextWindow  int
	nextPort    int
	sdpVersion  uint64
	calls       map[int]*Call
	queue       []pendingEvent
	draining    bool
	live        map[string]int
	created     map[string]int
	windowSizes map[int]videoSize
	failures    map[string]error
}

// New создает движок
func New(opts Options) *Engine {
	opts.setDefaults()

	e := &Engine{
		opts:        opts,
		log:         opts.Logger.WithComponent("simengine"),
		capture:     NewPort("capture"),
		playback:    NewPort("playback"),
		nextPort:    opts.BasePort,
		sdpVersion:  uint64(opts.Clock().Unix()),
		calls:       make(map[int]*Call),
		live:        make(map[string]int),
		created:     make(map[string]int),
		windowSizes: make(map[int]videoSize),
		failures:    make(map[string]error),
	}
	e.tones = &toneFactory{
		engine: e,
		factory: &tone.Factory{
			Pattern: opts.RingbackPattern,
			Volume:  opts.RingbackVolume,
			NewSink: func() tone.FrameSink { return &tone.DiscardSink{} },
		},
	}
	return e
}

// SetListener подключает получателя событий
func (e *Engine) SetListener(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listener = l
}

// Platform устройства платформы, которые предоставляет движок
func (e *Engine) Platform() call.Platform {
	return call.Platform{Audio: e, Video: e, Tones: e.tones}
}

// InjectFailure следующий вызов операции op вернет err.
// Операции: answer, hangup, hold, reinvite, transfer, make_call,
// video_stream, video_window, video_preview, ringback.
func (e *Engine) InjectFailure(op string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[op] = err
}

func (e *Engine) takeFailure(op string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	err, ok := e.failures[op]
	if ok {
		delete(e.failures, op)
	}
	return err
}

func (e *Engine) newCall(role call.Role, remoteURI string, video bool) *Call {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextCallID++
	c := newCall(e, e.nextCallID, role, remoteURI, video)
	e.calls[c.id] = c
	return c
}

// NewOutgoingCall реализует account.Engine
func (e *Engine) NewOutgoingCall() (call.CallHandle, error) {
	return e.newCall(call.RoleUAC, "", false), nil
}

// Incoming имитирует входящий INVITE и передает звонок слушателю
func (e *Engine) Incoming(ctx context.Context, remoteURI string, video bool) (*Call, error) {
	e.mu.Lock()
	l := e.listener
	e.mu.Unlock()
	if l == nil {
		return nil, ErrNoListener
	}

	c := e.newCall(call.RoleUAS, remoteURI, video)
	if _, err := l.OnIncomingCall(ctx, c, video); err != nil {
		e.forget(c.id)
		return nil, fmt.Errorf("incoming call %d: %w", c.id, err)
	}
	e.log.Info(ctx, "входящий звонок", logger.Int("call_id", c.id), logger.String("remote_uri", remoteURI))
	return c, nil
}

// Call возвращает звонок по id
func (e *Engine) Call(id int) (*Call, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.calls[id]
	return c, ok
}

// CallCount количество неудаленных звонков
func (e *Engine) CallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

// CallIDs id неудаленных звонков по возрастанию
func (e *Engine) CallIDs() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]int, 0, len(e.calls))
	for id := range e.calls {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (e *Engine) forget(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.calls, id)
}

func (e *Engine) enqueue(events ...pendingEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queue = append(e.queue, events...)
}

// Pending количество недоставленных событий
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Drain доставляет накопленные события слушателю.
//
// События, поставленные в очередь обработчиками во время доставки,
// доставляются в этом же вызове. Вложенный Drain из обработчика ничего
// не делает. Ошибки обработчиков объединяются.
func (e *Engine) Drain(ctx context.Context) error {
	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return nil
	}
	if e.listener == nil && len(e.queue) > 0 {
		e.mu.Unlock()
		return ErrNoListener
	}
	e.draining = true

	var errs []error
	for len(e.queue) > 0 {
		ev := e.queue[0]
		e.queue = e.queue[1:]
		l := e.listener
		e.mu.Unlock()

		if err := e.deliver(ctx, l, ev); err != nil {
			errs = append(errs, err)
		}

		e.mu.Lock()
	}
	e.draining = false
	e.mu.Unlock()

	return errors.Join(errs...)
}

func (e *Engine) deliver(ctx context.Context, l Listener, ev pendingEvent) error {
	c := ev.call
	c.mu.Lock()
	if c.deleted {
		c.mu.Unlock()
		return nil
	}
	if ev.apply != nil {
		ev.apply(c)
	}
	c.mu.Unlock()

	switch ev.kind {
	case eventCallState:
		return l.OnCallState(ctx, c.id)
	case eventCallMediaState:
		return l.OnCallMediaState(ctx, c.id)
	case eventMediaEvent:
		return l.OnCallMediaEvent(ctx, c.id, ev.ev)
	case eventStreamDestroyed:
		return l.OnStreamDestroyed(ctx, c.id, ev.stream)
	}
	return nil
}

func (e *Engine) allocPorts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	port := e.nextPort
	e.nextPort += 4
	return port
}

func (e *Engine) allocWindow() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextWindow
	e.nextWindow++
	e.windowSizes[id] = videoSize{e.opts.VideoWidth, e.opts.VideoHeight}
	return id
}

func (e *Engine) setWindowSize(id, width, height int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.windowSizes[id] = videoSize{width, height}
}

func (e *Engine) windowSize(id int) (int, int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	size, ok := e.windowSizes[id]
	if !ok {
		return 0, 0, fmt.Errorf("video window %d: %w", id, ErrNoMedia)
	}
	return size.width, size.height, nil
}

func (e *Engine) nextSDPVersion() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sdpVersion++
	return e.sdpVersion
}

func (e *Engine) acquire(kind string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.live[kind]++
	e.created[kind]++
}

func (e *Engine) release(kind string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.live[kind]--
}

// Live сколько ресурсов вида kind сейчас не освобождено
func (e *Engine) Live(kind string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.live[kind]
}

// Created сколько ресурсов вида kind создано за все время
func (e *Engine) Created(kind string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.created[kind]
}

// CaptureMedia реализует call.AudioDevices
func (e *Engine) CaptureMedia() (call.AudioMedia, error) {
	return e.capture, nil
}

// PlaybackMedia реализует call.AudioDevices
func (e *Engine) PlaybackMedia() (call.AudioMedia, error) {
	return e.playback, nil
}

// Capture порт микрофона
func (e *Engine) Capture() *Port {
	return e.capture
}

// Playback порт динамика
func (e *Engine) Playback() *Port {
	return e.playback
}

// NewVideoWindow реализует call.VideoFactory
func (e *Engine) NewVideoWindow(windowID int) (call.VideoWindow, error) {
	if err := e.takeFailure("video_window"); err != nil {
		return nil, err
	}
	if _, _, err := e.windowSize(windowID); err != nil {
		return nil, err
	}
	e.acquire(ResourceWindow)
	return &Window{engine: e, id: windowID}, nil
}

// NewVideoPreview реализует call.VideoFactory
func (e *Engine) NewVideoPreview(captureDevice int) (call.VideoPreview, error) {
	if err := e.takeFailure("video_preview"); err != nil {
		return nil, err
	}
	e.acquire(ResourcePreview)
	return &Preview{engine: e, device: captureDevice}, nil
}
