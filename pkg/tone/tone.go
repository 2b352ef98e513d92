// Package tone генерирует тон контроля посылки вызова (ringback) для
// голосового потока: синусоида по каденции "звучит/пауза", кадры по 20ms
// в G.711 µ-law.
package tone

import (
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/arzzra/sipcall/pkg/call"
	"github.com/zaf/g711"
)

const (
	// SampleRate частота дискретизации голосового потока
	SampleRate = 8000
	// FrameDuration длительность одного кадра
	FrameDuration = 20 * time.Millisecond
	// FrameSamples отсчетов в кадре
	FrameSamples = SampleRate * 20 / 1000

	// DefaultVolume громкость тона в процентах от полной шкалы
	DefaultVolume = 80
)

// ErrReleased генератор уже освобожден
var ErrReleased = errors.New("tone player released")

// Pattern каденция тона
type Pattern struct {
	Frequencies []float64
	On          time.Duration
	Off         time.Duration
}

var (
	// CEPTRingback 425 Hz, 1s звучит, 4s пауза
	CEPTRingback = Pattern{Frequencies: []float64{425}, On: time.Second, Off: 4 * time.Second}
	// ANSIRingback 440+480 Hz, 2s звучит, 4s пауза
	ANSIRingback = Pattern{Frequencies: []float64{440, 480}, On: 2 * time.Second, Off: 4 * time.Second}
)

// Generator синтезирует кадры тона
type Generator struct {
	pattern Pattern
	volume  int
	pos     int
}

// NewGenerator создает генератор; volume 0..100
func NewGenerator(pattern Pattern, volume int) *Generator {
	if volume < 0 {
		volume = 0
	}
	if volume > 100 {
		volume = 100
	}
	return &Generator{pattern: pattern, volume: volume}
}

func (g *Generator) period() int {
	return int((g.pattern.On + g.pattern.Off) * SampleRate / time.Second)
}

func (g *Generator) onSamples() int {
	return int(g.pattern.On * SampleRate / time.Second)
}

// NextPCM следующий кадр 16-bit little-endian PCM
func (g *Generator) NextPCM() []byte {
	pcm := make([]byte, FrameSamples*2)
	amplitude := float64(math.MaxInt16) * float64(g.volume) / 100
	if n := len(g.pattern.Frequencies); n > 0 {
		amplitude /= float64(n)
	}

	period := g.period()
	on := g.onSamples()

	for i := 0; i < FrameSamples; i++ {
		pos := g.pos
		if period > 0 {
			pos = g.pos % period
		}

		var sample float64
		if pos < on {
			t := float64(g.pos) / SampleRate
			for _, f := range g.pattern.Frequencies {
				sample += math.Sin(2 * math.Pi * f * t)
			}
			sample *= amplitude
		}

		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(sample)))
		g.pos++
	}

	return pcm
}

// NextFrame следующий кадр в µ-law
func (g *Generator) NextFrame() []byte {
	return g711.EncodeUlaw(g.NextPCM())
}

// Reset возвращает каденцию в начало
func (g *Generator) Reset() {
	g.pos = 0
}

// FrameSink получатель кадров тона (порт воспроизведения)
type FrameSink interface {
	WriteFrame(frame []byte) error
}

// Player проигрывает тон в FrameSink в отдельной горутине
type Player struct {
	mu       sync.Mutex
	gen      *Generator
	sink     FrameSink
	interval time.Duration
	running  bool
	released bool
	stop     chan struct{}
	done     chan struct{}
}

// NewPlayer создает проигрыватель; interval 0 означает FrameDuration
func NewPlayer(gen *Generator, sink FrameSink, interval time.Duration) *Player {
	if interval <= 0 {
		interval = FrameDuration
	}
	return &Player{gen: gen, sink: sink, interval: interval}
}

// Start запускает тон. Повторный Start без Stop ничего не делает.
func (p *Player) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.released {
		return ErrReleased
	}
	if p.running {
		return nil
	}

	p.gen.Reset()
	p.running = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.loop(p.stop, p.done)
	return nil
}

func (p *Player) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.mu.Lock()
			frame := p.gen.NextFrame()
			p.mu.Unlock()
			if err := p.sink.WriteFrame(frame); err != nil {
				return
			}
		}
	}
}

// Stop останавливает тон и ждет завершения горутины
func (p *Player) Stop() error {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return ErrReleased
	}
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	stop, done := p.stop, p.done
	p.mu.Unlock()

	close(stop)
	<-done
	return nil
}

// Release останавливает тон и освобождает проигрыватель
func (p *Player) Release() error {
	if err := p.Stop(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = true
	return nil
}

// Running true пока тон звучит
func (p *Player) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Factory создает проигрыватели ringback для сессий звонков
type Factory struct {
	Pattern Pattern
	Volume  int
	// NewSink порт воспроизведения для очередного тона
	NewSink func() FrameSink
}

// NewRingback реализует call.ToneFactory
func (f *Factory) NewRingback() (call.TonePlayer, error) {
	if f.NewSink == nil {
		return nil, errors.New("tone sink is not configured")
	}
	pattern := f.Pattern
	if len(pattern.Frequencies) == 0 {
		pattern = CEPTRingback
	}
	return NewPlayer(NewGenerator(pattern, f.Volume), f.NewSink(), FrameDuration), nil
}

// DiscardSink отбрасывает кадры, считая их
type DiscardSink struct {
	mu     sync.Mutex
	frames int
}

func (d *DiscardSink) WriteFrame(frame []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frames++
	return nil
}

// Frames сколько кадров получено
func (d *DiscardSink) Frames() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frames
}
