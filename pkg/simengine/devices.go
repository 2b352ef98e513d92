package simengine

import (
	"sync"

	"github.com/arzzra/sipcall/pkg/call"
	"github.com/arzzra/sipcall/pkg/tone"
)

// Port аудио-порт конференц-моста: устройство или поток звонка
type Port struct {
	name string

	mu      sync.Mutex
	sinks   map[call.AudioMedia]struct{}
	txLevel float32
	rxLevel float32
}

func NewPort(name string) *Port {
	return &Port{name: name, sinks: make(map[call.AudioMedia]struct{}), txLevel: 1, rxLevel: 1}
}

func (p *Port) Name() string {
	return p.name
}

func (p *Port) StartTransmit(sink call.AudioMedia) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sinks[sink] = struct{}{}
	return nil
}

func (p *Port) StopTransmit(sink call.AudioMedia) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sinks, sink)
	return nil
}

func (p *Port) AdjustTxLevel(level float32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.txLevel = level
	return nil
}

func (p *Port) AdjustRxLevel(level float32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rxLevel = level
	return nil
}

// Levels текущие уровни передачи и приема
func (p *Port) Levels() (tx, rx float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.txLevel, p.rxLevel
}

// TransmitsTo true если порт передает в sink
func (p *Port) TransmitsTo(sink call.AudioMedia) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.sinks[sink]
	return ok
}

// Sinks количество получателей порта
func (p *Port) Sinks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sinks)
}

// Window окно входящего видео
type Window struct {
	engine *Engine
	id     int

	mu       sync.Mutex
	surface  call.Surface
	released bool
}

func (w *Window) SetSurface(surface call.Surface) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.released {
		return ErrReleased
	}
	w.surface = surface
	return nil
}

func (w *Window) Size() (int, int, error) {
	w.mu.Lock()
	released := w.released
	w.mu.Unlock()
	if released {
		return 0, 0, ErrReleased
	}
	return w.engine.windowSize(w.id)
}

func (w *Window) Release() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.released {
		return ErrReleased
	}
	w.released = true
	w.surface = nil
	w.engine.release(ResourceWindow)
	return nil
}

// Surface поверхность, к которой привязано окно
func (w *Window) Surface() call.Surface {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.surface
}

// Preview локальное превью камеры
type Preview struct {
	engine *Engine
	device int

	mu       sync.Mutex
	surface  call.Surface
	running  bool
	released bool
}

func (p *Preview) Start(surface call.Surface) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return ErrReleased
	}
	p.surface = surface
	p.running = true
	return nil
}

func (p *Preview) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return ErrReleased
	}
	p.running = false
	return nil
}

func (p *Preview) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return ErrReleased
	}
	p.released = true
	p.running = false
	p.engine.release(ResourcePreview)
	return nil
}

// Running true пока превью отрисовывается
func (p *Preview) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Device устройство захвата превью
func (p *Preview) Device() int {
	return p.device
}

type toneFactory struct {
	engine  *Engine
	factory *tone.Factory
}

func (f *toneFactory) NewRingback() (call.TonePlayer, error) {
	if err := f.engine.takeFailure("ringback"); err != nil {
		return nil, err
	}
	player, err := f.factory.NewRingback()
	if err != nil {
		return nil, err
	}
	f.engine.acquire(ResourceRingback)
	return &trackedTone{engine: f.engine, player: player}, nil
}

// trackedTone учитывает освобождение генератора в счетчиках движка
type trackedTone struct {
	engine *Engine
	player call.TonePlayer

	mu       sync.Mutex
	released bool
}

func (t *trackedTone) Start() error {
	return t.player.Start()
}

func (t *trackedTone) Stop() error {
	return t.player.Stop()
}

func (t *trackedTone) Release() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return ErrReleased
	}
	t.released = true
	t.engine.release(ResourceRingback)
	return t.player.Release()
}
