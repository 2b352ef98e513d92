package emitter

import (
	"github.com/arzzra/sipcall/pkg/call"
)

// Multi рассылает уведомление всем эмиттерам по порядку.
// Вызываются все эмиттеры, возвращается первая ошибка.
type Multi []call.Emitter

func NewMulti(emitters ...call.Emitter) Multi {
	out := make(Multi, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

func (m Multi) each(fn func(call.Emitter) error) error {
	var first error
	for _, e := range m {
		if err := fn(e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m Multi) CallState(ownerID string, callID int, state call.State, status call.StatusCode, connectTimestamp int64) error {
	return m.each(func(e call.Emitter) error {
		return e.CallState(ownerID, callID, state, status, connectTimestamp)
	})
}

func (m Multi) CallMediaState(ownerID string, callID int, kind call.MediaStateKind, value bool) error {
	return m.each(func(e call.Emitter) error {
		return e.CallMediaState(ownerID, callID, kind, value)
	})
}

func (m Multi) VideoSize(width, height int) error {
	return m.each(func(e call.Emitter) error { return e.VideoSize(width, height) })
}

func (m Multi) CallStats(stats call.CallStats) error {
	return m.each(func(e call.Emitter) error { return e.CallStats(stats) })
}
