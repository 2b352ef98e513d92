package call

import (
	"time"

	"github.com/pion/rtcp"
)

// Контракты внешнего движка (сигнализация и медиа). Сессия держит
// непрозрачный CallHandle и обращается к устройствам платформы только
// через интерфейсы ниже.

// StatusCode код ответа SIP в событиях и уведомлениях звонка
type StatusCode int

// Коды ответов, которые использует контроллер звонка
const (
	StatusRinging           StatusCode = 180
	StatusSessionProgress   StatusCode = 183
	StatusOK                StatusCode = 200
	StatusBusyHere          StatusCode = 486
	StatusRequestTerminated StatusCode = 487
	StatusDecline           StatusCode = 603
)

// InvalidWindowID движок сообщает, что окна входящего видео нет
const InvalidWindowID = -1

// FrontCameraCaptureDevice устройство захвата для локального превью
const FrontCameraCaptureDevice = 1

// Direction направление звонка
type Direction int

const (
	DirectionIncoming Direction = iota
	DirectionOutgoing
)

func (d Direction) String() string {
	if d == DirectionOutgoing {
		return "outgoing"
	}
	return "incoming"
}

// Role роль в диалоге
type Role int

const (
	RoleUAC Role = iota // инициатор
	RoleUAS
)

// MediaType тип медиа-трека
type MediaType int

const (
	MediaTypeNone MediaType = iota
	MediaTypeAudio
	MediaTypeVideo
)

// MediaStatus состояние медиа-трека
type MediaStatus int

const (
	MediaStatusNone MediaStatus = iota
	MediaStatusActive
	MediaStatusLocalHold
	MediaStatusRemoteHold
	MediaStatusError
)

// MediaDir направление потока (битовая маска)
type MediaDir int

const (
	MediaDirNone     MediaDir = 0
	MediaDirEncoding MediaDir = 1 << 0
	MediaDirDecoding MediaDir = 1 << 1

	MediaDirEncodingDecoding = MediaDirEncoding | MediaDirDecoding
)

// KeyframeMethod способ запроса ключевого кадра у удаленной стороны
type KeyframeMethod int

const (
	KeyframeMethodNone KeyframeMethod = iota
	KeyframeMethodSIPInfo
	KeyframeMethodRTCPPLI
)

// CallFlag флаги настроек звонка
type CallFlag uint32

const (
	FlagUnhold CallFlag = 1 << iota
	FlagIncludeDisabledMedia
)

// VideoStreamOp операция над видеопотоком
type VideoStreamOp int

const (
	VideoStreamOpStartTransmit VideoStreamOp = iota
	VideoStreamOpStopTransmit
	VideoStreamOpSendKeyframe
)

func (op VideoStreamOp) String() string {
	switch op {
	case VideoStreamOpStartTransmit:
		return "start_transmit"
	case VideoStreamOpStopTransmit:
		return "stop_transmit"
	case VideoStreamOpSendKeyframe:
		return "send_keyframe"
	default:
		return "unknown"
	}
}

// CallMediaInfo описание одного медиа-трека звонка
type CallMediaInfo struct {
	Index            int
	Type             MediaType
	Status           MediaStatus
	Dir              MediaDir
	IncomingWindowID int
}

// CallInfo снимок состояния звонка, возвращаемый движком
type CallInfo struct {
	ID              int
	CallIDString    string
	State           State
	Role            Role
	LastStatusCode  StatusCode
	LastReason      string
	RemoteURI       string
	LocalURI        string
	ConnectDuration time.Duration
	Media           []CallMediaInfo
}

// CallSetting параметры медиа для исходящих запросов
type CallSetting struct {
	AudioCount        int
	VideoCount        int
	ReqKeyframeMethod KeyframeMethod
	Flags             CallFlag
}

// CallOpParam параметры запроса к движку
type CallOpParam struct {
	StatusCode StatusCode
	Reason     string
	Setting    CallSetting
}

// StreamInfo описание медиапотока
type StreamInfo struct {
	Type      MediaType
	CodecName string
	ClockRate int
}

// JitterStat джиттер в микросекундах
type JitterStat struct {
	Max  uint32
	Mean uint32
	Min  uint32
}

// RtcpStreamStat статистика одного направления потока
type RtcpStreamStat struct {
	Packets    uint64
	Discarded  uint64
	Lost       uint64
	Reordered  uint64
	Duplicated uint64
	JitterUsec JitterStat
}

// StreamStat статистика потока по обоим направлениям
type StreamStat struct {
	Rx RtcpStreamStat
	Tx RtcpStreamStat
}

// MediaEventType тип медиа-события
type MediaEventType int

const (
	MediaEventUnknown MediaEventType = iota
	MediaEventFormatChanged
	MediaEventRtcpFeedback
)

// MediaEvent событие медиа-трека
type MediaEvent struct {
	Type       MediaEventType
	MediaIndex int
	MediaType  MediaType
	Dir        MediaDir

	// Новый формат для MediaEventFormatChanged
	Width  int
	Height int

	// Принятый RTCP feedback для MediaEventRtcpFeedback
	Feedback rtcp.Packet
}

// Surface непрозрачный дескриптор поверхности отрисовки платформы
type Surface interface{}

// CallHandle звонок на стороне движка
type CallHandle interface {
	ID() int
	Info() (CallInfo, error)
	AudioMedia(mediaIndex int) (AudioMedia, error)
	StreamInfo(mediaIndex int) (StreamInfo, error)
	StreamStat(mediaIndex int) (StreamStat, error)

	Answer(prm CallOpParam) error
	Hangup(prm CallOpParam) error
	Hold(prm CallOpParam) error
	Reinvite(prm CallOpParam) error
	Transfer(target string, prm CallOpParam) error
	SetVideoStream(op VideoStreamOp) error
	MakeCall(destination string, prm CallOpParam) error

	// DefaultMediaEvent стандартная обработка медиа-события движком
	DefaultMediaEvent(ev MediaEvent)

	// Delete освобождает звонок в движке, после него handle не используется
	Delete() error
}

// AudioMedia аудио-порт конференц-моста движка
type AudioMedia interface {
	StartTransmit(sink AudioMedia) error
	StopTransmit(sink AudioMedia) error
	AdjustTxLevel(level float32) error
	AdjustRxLevel(level float32) error
}

// AudioDevices устройства захвата и воспроизведения
type AudioDevices interface {
	CaptureMedia() (AudioMedia, error)
	PlaybackMedia() (AudioMedia, error)
}

// VideoWindow окно входящего видео
type VideoWindow interface {
	SetSurface(surface Surface) error
	Size() (width, height int, err error)
	Release() error
}

// VideoPreview локальное превью камеры
type VideoPreview interface {
	Start(surface Surface) error
	Stop() error
	Release() error
}

// VideoFactory создает видеоресурсы
type VideoFactory interface {
	NewVideoWindow(windowID int) (VideoWindow, error)
	NewVideoPreview(captureDevice int) (VideoPreview, error)
}

// TonePlayer генератор тона контроля посылки вызова
type TonePlayer interface {
	Start() error
	Stop() error
	Release() error
}

// ToneFactory создает генераторы тона
type ToneFactory interface {
	NewRingback() (TonePlayer, error)
}

// Platform устройства платформы, доступные сессии
type Platform struct {
	Audio AudioDevices
	Video VideoFactory
	Tones ToneFactory
}

// Owner аккаунт, владеющий сессией
type Owner interface {
	IDURI() string
	Realm() string
	RemoveCall(callID int)
	SetLastCallStatus(code StatusCode)
}

// WildcardRealm realm аккаунта без привязки к домену
const WildcardRealm = "*"
