package call

import (
	"context"
	"fmt"
	"strconv"
	"strings"

)

// streamSnapshot итоговые info и stat аудиопотока, захваченные при его удалении
type streamSnapshot struct {
	info StreamInfo
	stat StreamStat
}

// CodecDescriptor возвращает кодек в виде "<имя в нижнем регистре>_<частота>", например "pcmu_8000"
func CodecDescriptor(info StreamInfo) string {
	return strings.ToLower(info.CodecName) + "_" + strconv.Itoa(info.ClockRate)
}

// BuildCallStats собирает итоговую статистику звонка из снимка потока
func BuildCallStats(callID int, durationSeconds int64, status StatusCode, info StreamInfo, stat StreamStat) (CallStats, error) {
	if info.CodecName == "" {
		return CallStats{}, fmt.Errorf("%w: codec name is empty", ErrInvalidStreamSnapshot)
	}
	if info.ClockRate <= 0 {
		return CallStats{}, fmt.Errorf("%w: clock rate %d", ErrInvalidStreamSnapshot, info.ClockRate)
	}

	return CallStats{
		CallID:          callID,
		DurationSeconds: durationSeconds,
		Codec:           CodecDescriptor(info),
		Status:          status,
		Rx:              toRtpStreamStats(stat.Rx),
		Tx:              toRtpStreamStats(stat.Tx),
	}, nil
}

func toRtpStreamStats(st RtcpStreamStat) RtpStreamStats {
	return RtpStreamStats{
		Packets:    st.Packets,
		Discarded:  st.Discarded,
		Lost:       st.Lost,
		Reordered:  st.Reordered,
		Duplicated: st.Duplicated,
		Jitter: Jitter{
			Max:  st.JitterUsec.Max,
			Mean: st.JitterUsec.Mean,
			Min:  st.JitterUsec.Min,
		},
	}
}

// collectStats забирает снимок и ставит callStats в очередь уведомлений.
// Снимок очищается до отправки, поэтому повторный вызов ничего не шлет.
func (s *Session) collectStats(ctx context.Context, durationSeconds int64, status StatusCode) error {
	snap := s.pending
	if snap == nil {
		return nil
	}
	s.pending = nil

	stats, err := BuildCallStats(s.id, durationSeconds, status, snap.info, snap.stat)
	if err != nil {
		return newError(ErrorCategoryStats, "call_stats", s.id, err)
	}

	s.enqueue(notification{
		name:      "call_stats",
		propagate: true,
		send: func(e Emitter) error {
			return e.CallStats(stats)
		},
	})
	return nil
}
