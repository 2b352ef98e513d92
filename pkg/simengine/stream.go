package simengine

import (
	"bytes"
	"fmt"
	"time"

	"github.com/arzzra/sipcall/pkg/call"
	"github.com/arzzra/sipcall/pkg/rtpstat"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

const (
	audioClockRate      = 8000
	audioSamplesPerPkt  = 160
	audioPacketInterval = 20 * time.Millisecond
	payloadTypePCMU     = 0
)

// Traffic профиль RTP трафика, прогоняемого через поток звонка
type Traffic struct {
	// Packets сколько пакетов отправить в каждую сторону
	Packets int
	// LossEvery каждый N-й пакет теряется в сети, 0 - без потерь
	LossEvery int
	// DuplicateEvery каждый N-й принятый пакет приходит дважды
	DuplicateEvery int
	// Jitter задержка каждого нечетного пакета
	Jitter time.Duration
	// Discard сколько принятых пакетов отброшено после приема
	Discard int
}

// audioStream RTP поток аудио-трека звонка
type audioStream struct {
	localSSRC  uint32
	remoteSSRC uint32

	txSeq uint16
	txTS  uint32
	rxSeq uint16
	rxTS  uint32

	elapsed time.Duration
	epoch   time.Time

	rx   *rtpstat.ReceiveStats
	tx   *rtpstat.TransmitStats
	peer *rtpstat.ReceiveStats
}

func newAudioStream(callID int, epoch time.Time) *audioStream {
	return &audioStream{
		localSSRC:  0x10000000 + uint32(callID),
		remoteSSRC: 0x20000000 + uint32(callID),
		txSeq:      1000,
		rxSeq:      5000,
		epoch:      epoch,
		rx:         rtpstat.NewReceiveStats(audioClockRate),
		tx:         rtpstat.NewTransmitStats(audioClockRate),
		peer:       rtpstat.NewReceiveStats(audioClockRate),
	}
}

var silencePayload = bytes.Repeat([]byte{0xFF}, audioSamplesPerPkt)

// wire прогоняет пакет через сериализацию, как при передаче по сети
func wire(pkt *rtp.Packet) (*rtp.Packet, error) {
	raw, err := pkt.Marshal()
	if err != nil {
		return nil, err
	}
	var out rtp.Packet
	if err := out.Unmarshal(raw); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *audioStream) run(t Traffic) error {
	for i := 0; i < t.Packets; i++ {
		arrival := s.epoch.Add(s.elapsed)
		if t.Jitter > 0 && i%2 == 1 {
			arrival = arrival.Add(t.Jitter)
		}
		s.elapsed += audioPacketInterval
		lost := t.LossEvery > 0 && (i+1)%t.LossEvery == 0

		in := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    payloadTypePCMU,
				SequenceNumber: s.rxSeq,
				Timestamp:      s.rxTS,
				SSRC:           s.remoteSSRC,
			},
			Payload: silencePayload,
		}
		s.rxSeq++
		s.rxTS += audioSamplesPerPkt

		if !lost {
			received, err := wire(in)
			if err != nil {
				return fmt.Errorf("rtp marshal: %w", err)
			}
			s.rx.Update(received, arrival)
			if t.DuplicateEvery > 0 && (i+1)%t.DuplicateEvery == 0 {
				s.rx.Update(received, arrival)
			}
		}

		out := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    payloadTypePCMU,
				SequenceNumber: s.txSeq,
				Timestamp:      s.txTS,
				SSRC:           s.localSSRC,
			},
			Payload: silencePayload,
		}
		s.txSeq++
		s.txTS += audioSamplesPerPkt

		s.tx.Sent(out)
		if !lost {
			s.peer.Update(out, arrival)
		}
	}

	for i := 0; i < t.Discard; i++ {
		s.rx.Discard()
	}

	return s.applyReceiverReport()
}

// applyReceiverReport принимает RTCP RR удаленной стороны о нашем потоке
func (s *audioStream) applyReceiverReport() error {
	rr := &rtcp.ReceiverReport{
		SSRC:    s.remoteSSRC,
		Reports: []rtcp.ReceptionReport{s.peer.ReceptionReport(s.localSSRC)},
	}
	raw, err := rr.Marshal()
	if err != nil {
		return fmt.Errorf("rtcp marshal: %w", err)
	}

	packets, err := rtcp.Unmarshal(raw)
	if err != nil {
		return fmt.Errorf("rtcp unmarshal: %w", err)
	}
	for _, pkt := range packets {
		report, ok := pkt.(*rtcp.ReceiverReport)
		if !ok {
			continue
		}
		for _, block := range report.Reports {
			if block.SSRC == s.localSSRC {
				s.tx.ApplyReceptionReport(block)
			}
		}
	}
	return nil
}

func toRtcpStreamStat(c rtpstat.Counters) call.RtcpStreamStat {
	return call.RtcpStreamStat{
		Packets:    c.Packets,
		Discarded:  c.Discarded,
		Lost:       c.Lost,
		Reordered:  c.Reordered,
		Duplicated: c.Duplicated,
		JitterUsec: call.JitterStat{Max: c.Jitter.Max, Mean: c.Jitter.Mean, Min: c.Jitter.Min},
	}
}

func (s *audioStream) stat() call.StreamStat {
	return call.StreamStat{
		Rx: toRtcpStreamStat(s.rx.Snapshot()),
		Tx: toRtcpStreamStat(s.tx.Snapshot()),
	}
}

// keyframeRequest RTCP PLI от удаленной стороны, как он приходит из сети
func keyframeRequest(senderSSRC, mediaSSRC uint32) (rtcp.Packet, error) {
	return roundTripRTCP(&rtcp.PictureLossIndication{SenderSSRC: senderSSRC, MediaSSRC: mediaSSRC})
}

// nackRequest RTCP generic NACK по списку sequence numbers
func nackRequest(senderSSRC, mediaSSRC uint32, seqs []uint16) (rtcp.Packet, error) {
	nack := &rtcp.TransportLayerNack{SenderSSRC: senderSSRC, MediaSSRC: mediaSSRC}
	if len(seqs) == 0 {
		// NACK без FCI pion/rtcp не разбирает, отдаем как есть
		return nack, nil
	}
	nack.Nacks = rtcp.NackPairsFromSequenceNumbers(seqs)
	return roundTripRTCP(nack)
}

func roundTripRTCP(pkt rtcp.Packet) (rtcp.Packet, error) {
	raw, err := pkt.Marshal()
	if err != nil {
		return nil, fmt.Errorf("rtcp marshal: %w", err)
	}
	packets, err := rtcp.Unmarshal(raw)
	if err != nil {
		return nil, fmt.Errorf("rtcp unmarshal: %w", err)
	}
	if len(packets) != 1 {
		return nil, fmt.Errorf("rtcp: expected 1 packet, got %d", len(packets))
	}
	return packets[0], nil
}
