// Package rtpstat считает статистику RTP потока по направлениям:
// пакеты, отброшенные, потерянные, переупорядоченные и дублированные
// пакеты, а также джиттер (min/mean/max) по RFC 3550.
//
// Прием считается по самим пакетам (ReceiveStats.Update), передача по
// отправленным пакетам и receiver report удаленной стороны
// (TransmitStats.ApplyReceptionReport).
package rtpstat

import (
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// duplicateWindow сколько последних extended sequence numbers помнить для поиска дублей
const duplicateWindow = 1024

// Jitter джиттер в микросекундах
type Jitter struct {
	Max  uint32
	Mean uint32
	Min  uint32
}

// Counters итоговые счетчики одного направления
type Counters struct {
	Packets    uint64
	Bytes      uint64
	Discarded  uint64
	Lost       uint64
	Reordered  uint64
	Duplicated uint64
	Jitter     Jitter
}

// jitterAccumulator min/mean/max по отсчетам джиттера
type jitterAccumulator struct {
	samples uint64
	sum     float64
	min     float64
	max     float64
}

func (a *jitterAccumulator) add(usec float64) {
	if a.samples == 0 || usec < a.min {
		a.min = usec
	}
	if usec > a.max {
		a.max = usec
	}
	a.sum += usec
	a.samples++
}

func (a *jitterAccumulator) result() Jitter {
	if a.samples == 0 {
		return Jitter{}
	}
	return Jitter{
		Max:  uint32(a.max),
		Mean: uint32(a.sum / float64(a.samples)),
		Min:  uint32(a.min),
	}
}

// CalculateJitter межпакетный джиттер по RFC 3550 6.4.1
func CalculateJitter(transit, lastTransit int64, jitter float64) float64 {
	d := float64(transit - lastTransit)
	if d < 0 {
		d = -d
	}
	return jitter + (d-jitter)/16.0
}

// ReceiveStats статистика принимаемого потока одного SSRC
type ReceiveStats struct {
	mu sync.Mutex

	clockRate uint32

	initialized bool
	baseSeq     uint32
	maxSeq      uint16
	cycles      uint32
	unique      uint64
	recent      map[uint32]struct{}
	recentOrder []uint32

	firstArrival time.Time
	lastTransit  int64
	haveTransit  bool
	jitter       float64
	jitterStats  jitterAccumulator

	counters Counters
}

// NewReceiveStats создает счетчик для потока с частотой clockRate
func NewReceiveStats(clockRate uint32) *ReceiveStats {
	if clockRate == 0 {
		clockRate = 8000
	}
	return &ReceiveStats{
		clockRate: clockRate,
		recent:    make(map[uint32]struct{}, duplicateWindow),
	}
}

// Update учитывает принятый пакет
func (s *ReceiveStats) Update(pkt *rtp.Packet, arrival time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counters.Packets++
	s.counters.Bytes += uint64(len(pkt.Payload))

	seq := pkt.SequenceNumber
	if !s.initialized {
		s.initialized = true
		s.baseSeq = uint32(seq)
		s.maxSeq = seq
		s.firstArrival = arrival
		s.remember(uint32(seq))
		s.unique++
		s.updateJitter(pkt.Timestamp, arrival)
		return
	}

	var ext uint32
	delta := seq - s.maxSeq
	switch {
	case delta == 0:
		s.counters.Duplicated++
		return
	case delta < 0x8000:
		// впереди максимума, возможно с переходом через 0
		if seq < s.maxSeq {
			s.cycles += 1 << 16
		}
		s.maxSeq = seq
		ext = s.cycles + uint32(seq)
	default:
		// позади максимума
		ext = s.cycles + uint32(seq)
		if seq > s.maxSeq && s.cycles > 0 {
			ext -= 1 << 16
		}
		if _, seen := s.recent[ext]; seen {
			s.counters.Duplicated++
			return
		}
		s.counters.Reordered++
	}

	s.remember(ext)
	s.unique++
	s.updateJitter(pkt.Timestamp, arrival)
}

func (s *ReceiveStats) remember(ext uint32) {
	s.recent[ext] = struct{}{}
	s.recentOrder = append(s.recentOrder, ext)
	if len(s.recentOrder) > duplicateWindow {
		delete(s.recent, s.recentOrder[0])
		s.recentOrder = s.recentOrder[1:]
	}
}

func (s *ReceiveStats) updateJitter(timestamp uint32, arrival time.Time) {
	arrivalUnits := arrival.Sub(s.firstArrival).Nanoseconds() * int64(s.clockRate) / int64(time.Second)
	transit := arrivalUnits - int64(timestamp)

	if s.haveTransit {
		s.jitter = CalculateJitter(transit, s.lastTransit, s.jitter)
		s.jitterStats.add(s.jitter * 1e6 / float64(s.clockRate))
	}
	s.lastTransit = transit
	s.haveTransit = true
}

// Discard учитывает пакет, отброшенный после приема (опоздал, не декодировался)
func (s *ReceiveStats) Discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.Discarded++
}

// ExpectedPackets ожидаемое число пакетов по диапазону sequence numbers
func (s *ReceiveStats) ExpectedPackets() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expected()
}

func (s *ReceiveStats) expected() uint64 {
	if !s.initialized {
		return 0
	}
	extMax := s.cycles + uint32(s.maxSeq)
	return uint64(extMax-s.baseSeq) + 1
}

// Snapshot текущие счетчики приема
func (s *ReceiveStats) Snapshot() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.counters
	if expected := s.expected(); expected > s.unique {
		c.Lost = expected - s.unique
	}
	c.Jitter = s.jitterStats.result()
	return c
}

// ReceptionReport блок receiver report для отправки удаленной стороне
func (s *ReceiveStats) ReceptionReport(ssrc uint32) rtcp.ReceptionReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	expected := s.expected()
	var lost uint64
	if expected > s.unique {
		lost = expected - s.unique
	}
	var fraction uint8
	if expected > 0 {
		f := lost * 256 / expected
		if f > 255 {
			f = 255
		}
		fraction = uint8(f)
	}

	return rtcp.ReceptionReport{
		SSRC:               ssrc,
		FractionLost:       fraction,
		TotalLost:          uint32(lost),
		LastSequenceNumber: s.cycles + uint32(s.maxSeq),
		Jitter:             uint32(s.jitter),
	}
}

// TransmitStats статистика отправляемого потока
type TransmitStats struct {
	mu          sync.Mutex
	clockRate   uint32
	counters    Counters
	jitterStats jitterAccumulator
}

// NewTransmitStats создает счетчик передачи
func NewTransmitStats(clockRate uint32) *TransmitStats {
	if clockRate == 0 {
		clockRate = 8000
	}
	return &TransmitStats{clockRate: clockRate}
}

// Sent учитывает отправленный пакет
func (s *TransmitStats) Sent(pkt *rtp.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.Packets++
	s.counters.Bytes += uint64(len(pkt.Payload))
}

// ApplyReceptionReport учитывает отчет удаленной стороны о нашем потоке
func (s *TransmitStats) ApplyReceptionReport(report rtcp.ReceptionReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.Lost = uint64(report.TotalLost)
	s.jitterStats.add(float64(report.Jitter) * 1e6 / float64(s.clockRate))
}

// Snapshot текущие счетчики передачи
func (s *TransmitStats) Snapshot() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.counters
	c.Jitter = s.jitterStats.result()
	return c
}
