package call

// MediaStateKind вид локального медиа-состояния в уведомлении callMediaState
type MediaStateKind string

const (
	MediaStateLocalHold      MediaStateKind = "LOCAL_HOLD"
	MediaStateLocalMute      MediaStateKind = "LOCAL_MUTE"
	MediaStateLocalVideoMute MediaStateKind = "LOCAL_VIDEO_MUTE"
)

// Jitter джиттер потока в микросекундах
type Jitter struct {
	Max  uint32 `json:"max"`
	Mean uint32 `json:"mean"`
	Min  uint32 `json:"min"`
}

// RtpStreamStats итоговая статистика одного направления
type RtpStreamStats struct {
	Packets    uint64 `json:"packets"`
	Discarded  uint64 `json:"discarded"`
	Lost       uint64 `json:"lost"`
	Reordered  uint64 `json:"reordered"`
	Duplicated uint64 `json:"duplicated"`
	Jitter     Jitter `json:"jitter"`
}

// CallStats итоговая статистика звонка
type CallStats struct {
	CallID          int            `json:"call_id"`
	DurationSeconds int64          `json:"duration_seconds"`
	Codec           string         `json:"codec"`
	Status          StatusCode `json:"status"`
	Rx              RtpStreamStats `json:"rx"`
	Tx              RtpStreamStats `json:"tx"`
}

// Emitter получатель исходящих уведомлений сессии.
//
// Методы вызываются без удержания блокировки сессии, в порядке появления
// уведомлений, поэтому реализация может обращаться обратно к сессии.
type Emitter interface {
	CallState(ownerID string, callID int, state State, status StatusCode, connectTimestamp int64) error
	CallMediaState(ownerID string, callID int, kind MediaStateKind, value bool) error
	VideoSize(width, height int) error
	CallStats(stats CallStats) error
}
