// Package account владеет сессиями звонков одного SIP аккаунта.
//
// Account регистрирует сессии в шардированном реестре по id звонка движка,
// маршрутизирует события движка в нужную сессию и принимает команды
// (ответ, удержание, перевод, ...) по id звонка. Для сессий он выступает
// владельцем (call.Owner): отдает свой адрес и realm, удаляет сессию из
// реестра при Disconnected и хранит статус последнего звонка.
package account

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arzzra/sipcall/pkg/call"
	"github.com/arzzra/sipcall/pkg/logger"
)

// ErrDuplicateCall движок сообщил о звонке с уже занятым id
var ErrDuplicateCall = errors.New("call id already registered")

// Engine часть движка, которая создает исходящие звонки
type Engine interface {
	NewOutgoingCall() (call.CallHandle, error)
}

// Config настройки аккаунта
type Config struct {
	IDURI    string
	Realm    string
	Platform call.Platform
	Emitter  call.Emitter
	Engine   Engine
	Logger   logger.StructuredLogger

	// Conference видеозвонки без локального превью
	Conference bool

	// Clock источник времени для сессий, по умолчанию time.Now
	Clock func() time.Time
}

// Account SIP аккаунт и его активные звонки
type Account struct {
	cfg      Config
	registry *Registry
	log      logger.StructuredLogger

	mu             sync.RWMutex
	lastCallStatus call.StatusCode
}

// New создает аккаунт
func New(cfg Config) (*Account, error) {
	if cfg.IDURI == "" {
		return nil, errors.New("account id uri is empty")
	}
	if cfg.Emitter == nil {
		return nil, errors.New("emitter is nil")
	}
	if cfg.Engine == nil {
		return nil, errors.New("engine is nil")
	}
	if cfg.Realm == "" {
		cfg.Realm = call.WildcardRealm
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.GetDefaultLogger()
	}

	return &Account{
		cfg:      cfg,
		registry: NewRegistry(),
		log:      cfg.Logger.WithComponent("account").WithFields(logger.String("id_uri", cfg.IDURI)),
	}, nil
}

// IDURI адрес аккаунта, например sip:100@example.com
func (a *Account) IDURI() string {
	return a.cfg.IDURI
}

// Realm домен аккаунта или "*"
func (a *Account) Realm() string {
	return a.cfg.Realm
}

// RemoveCall удаляет сессию из реестра
func (a *Account) RemoveCall(callID int) {
	if a.registry.Delete(callID) {
		a.log.Debug(context.Background(), "звонок удален из реестра", logger.Int("call_id", callID))
	}
}

// SetLastCallStatus сохраняет статус последнего звонка, 0 - нет звонка
func (a *Account) SetLastCallStatus(code call.StatusCode) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastCallStatus = code
}

// LastCallStatus статус последнего звонка
func (a *Account) LastCallStatus() call.StatusCode {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastCallStatus
}

// CallCount количество активных звонков
func (a *Account) CallCount() int {
	return a.registry.Count()
}

// Calls активные сессии по возрастанию id
func (a *Account) Calls() []*call.Session {
	return a.registry.Snapshot()
}

// Session возвращает сессию по id звонка
func (a *Account) Session(callID int) (*call.Session, error) {
	session, ok := a.registry.Get(callID)
	if !ok {
		return nil, fmt.Errorf("call %d: %w", callID, call.ErrCallNotFound)
	}
	return session, nil
}

func (a *Account) newSession(handle call.CallHandle, direction call.Direction, video bool) (*call.Session, error) {
	opts := []call.Option{call.WithVideo(video, video && a.cfg.Conference)}
	if a.cfg.Clock != nil {
		opts = append(opts, call.WithClock(a.cfg.Clock))
	}

	session, err := call.NewSession(handle, direction, call.Deps{
		Owner:    a,
		Platform: a.cfg.Platform,
		Emitter:  a.cfg.Emitter,
		Logger:   a.cfg.Logger,
	}, opts...)
	if err != nil {
		return nil, err
	}

	if !a.registry.Add(session) {
		return nil, fmt.Errorf("call %d: %w", session.ID(), ErrDuplicateCall)
	}
	return session, nil
}

// OnIncomingCall регистрирует входящий звонок, о котором сообщил движок
func (a *Account) OnIncomingCall(ctx context.Context, handle call.CallHandle, video bool) (*call.Session, error) {
	session, err := a.newSession(handle, call.DirectionIncoming, video)
	if err != nil {
		a.log.LogError(ctx, err, "входящий звонок не зарегистрирован")
		return nil, err
	}

	a.log.Info(ctx, "входящий звонок", logger.Int("call_id", session.ID()), logger.Bool("video", video))
	return session, nil
}

// MakeCall создает исходящий звонок на destination
func (a *Account) MakeCall(ctx context.Context, destination string, video bool) (*call.Session, error) {
	handle, err := a.cfg.Engine.NewOutgoingCall()
	if err != nil {
		return nil, fmt.Errorf("create outgoing call: %w", err)
	}

	session, err := a.newSession(handle, call.DirectionOutgoing, video)
	if err != nil {
		if derr := handle.Delete(); derr != nil {
			a.log.LogError(ctx, derr, "не удалось удалить звонок в движке")
		}
		return nil, err
	}

	if err := session.MakeCall(ctx, destination); err != nil {
		a.registry.Delete(session.ID())
		if derr := handle.Delete(); derr != nil {
			a.log.LogError(ctx, derr, "не удалось удалить звонок в движке")
		}
		return nil, err
	}

	a.log.Info(ctx, "исходящий звонок", logger.Int("call_id", session.ID()),
		logger.String("destination", destination), logger.Bool("video", video))
	return session, nil
}

// OnCallState передает смену сигнального состояния сессии
func (a *Account) OnCallState(ctx context.Context, callID int) error {
	session, err := a.Session(callID)
	if err != nil {
		return err
	}
	return session.OnCallState(ctx)
}

// OnCallMediaState передает смену набора медиа-треков
func (a *Account) OnCallMediaState(ctx context.Context, callID int) error {
	session, err := a.Session(callID)
	if err != nil {
		return err
	}
	return session.OnCallMediaState(ctx)
}

// OnCallMediaEvent передает медиа-событие
func (a *Account) OnCallMediaEvent(ctx context.Context, callID int, ev call.MediaEvent) error {
	session, err := a.Session(callID)
	if err != nil {
		return err
	}
	return session.OnCallMediaEvent(ctx, ev)
}

// OnStreamDestroyed передает удаление медиапотока
func (a *Account) OnStreamDestroyed(ctx context.Context, callID, streamIndex int) error {
	session, err := a.Session(callID)
	if err != nil {
		return err
	}
	return session.OnStreamDestroyed(ctx, streamIndex)
}

// withSession выполняет команду над сессией, если она есть
func (a *Account) withSession(callID int, fn func(*call.Session)) error {
	session, err := a.Session(callID)
	if err != nil {
		return err
	}
	fn(session)
	return nil
}

func (a *Account) Accept(ctx context.Context, callID int) error {
	return a.withSession(callID, func(s *call.Session) { s.AcceptIncomingCall(ctx) })
}

func (a *Account) Decline(ctx context.Context, callID int) error {
	return a.withSession(callID, func(s *call.Session) { s.DeclineIncomingCall(ctx) })
}

func (a *Account) SendBusy(ctx context.Context, callID int) error {
	return a.withSession(callID, func(s *call.Session) { s.SendBusyHereToIncomingCall(ctx) })
}

func (a *Account) HangUp(ctx context.Context, callID int) error {
	return a.withSession(callID, func(s *call.Session) { s.HangUp(ctx) })
}

func (a *Account) SetHold(ctx context.Context, callID int, hold bool) error {
	return a.withSession(callID, func(s *call.Session) { s.SetHold(ctx, hold) })
}

func (a *Account) SetMute(ctx context.Context, callID int, mute bool) error {
	return a.withSession(callID, func(s *call.Session) { s.SetMute(ctx, mute) })
}

func (a *Account) SetVideoMute(ctx context.Context, callID int, mute bool) error {
	return a.withSession(callID, func(s *call.Session) { s.SetVideoMute(ctx, mute) })
}

// Transfer переводит звонок, ошибка движка возвращается
func (a *Account) Transfer(ctx context.Context, callID int, destination string) error {
	session, err := a.Session(callID)
	if err != nil {
		return err
	}
	return session.TransferTo(ctx, destination)
}

func (a *Account) AttachIncomingSurface(ctx context.Context, callID int, surface call.Surface) error {
	return a.withSession(callID, func(s *call.Session) { s.AttachIncomingVideoFeed(ctx, surface) })
}

func (a *Account) AttachPreviewSurface(ctx context.Context, callID int, surface call.Surface) error {
	return a.withSession(callID, func(s *call.Session) { s.StartPreviewFeed(ctx, surface) })
}

func (a *Account) DetachIncomingSurface(ctx context.Context, callID int) error {
	return a.withSession(callID, func(s *call.Session) { s.StopIncomingFeed(ctx) })
}

func (a *Account) DetachPreviewSurface(ctx context.Context, callID int) error {
	return a.withSession(callID, func(s *call.Session) { s.StopPreviewFeed(ctx) })
}

// HangUpAll завершает все активные звонки
func (a *Account) HangUpAll(ctx context.Context) {
	for _, session := range a.registry.Snapshot() {
		session.HangUp(ctx)
	}
}
