package call

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/arzzra/sipcall/pkg/logger"
)

var errEngine = errors.New("engine failure")

// resourceTracker следит за временем жизни ресурсов: два живых ресурса
// одного вида, повторное освобождение и использование после освобождения
// считаются ошибкой теста
type resourceTracker struct {
	t       *testing.T
	mu      sync.Mutex
	live    map[string]int
	created map[string]int
	journal []string
}

func newResourceTracker(t *testing.T) *resourceTracker {
	return &resourceTracker{
		t:       t,
		live:    make(map[string]int),
		created: make(map[string]int),
	}
}

func (r *resourceTracker) acquire(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created[kind]++
	r.live[kind]++
	if r.live[kind] > 1 {
		r.t.Errorf("одновременно живы %d ресурса вида %s", r.live[kind], kind)
	}
	id := r.created[kind]
	r.journal = append(r.journal, fmt.Sprintf("create %s#%d", kind, id))
	return id
}

func (r *resourceTracker) release(kind string, id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[kind]--
	r.journal = append(r.journal, fmt.Sprintf("release %s#%d", kind, id))
}

func (r *resourceTracker) Live(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live[kind]
}

func (r *resourceTracker) Created(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.created[kind]
}

func (r *resourceTracker) Journal() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.journal...)
}

// trackedResource общая часть фейковых ресурсов
type trackedResource struct {
	tracker    *resourceTracker
	kind       string
	id         int
	released   bool
	releaseErr error
}

func (r *trackedResource) use(op string) {
	if r.released {
		r.tracker.t.Errorf("%s#%d: %s после освобождения", r.kind, r.id, op)
	}
}

func (r *trackedResource) Release() error {
	if r.released {
		r.tracker.t.Errorf("%s#%d: повторное освобождение", r.kind, r.id)
		return nil
	}
	r.released = true
	r.tracker.release(r.kind, r.id)
	return r.releaseErr
}

type mockTone struct {
	trackedResource
	started  bool
	startErr error
}

func (m *mockTone) Start() error {
	m.use("start")
	if m.startErr != nil {
		return m.startErr
	}
	m.started = true
	return nil
}

func (m *mockTone) Stop() error {
	m.use("stop")
	m.started = false
	return nil
}

type mockToneFactory struct {
	tracker  *resourceTracker
	err      error
	startErr error
	tones    []*mockTone
}

func (f *mockToneFactory) NewRingback() (TonePlayer, error) {
	if f.err != nil {
		return nil, f.err
	}
	tone := &mockTone{trackedResource: trackedResource{tracker: f.tracker, kind: "tone"}, startErr: f.startErr}
	tone.id = f.tracker.acquire("tone")
	f.tones = append(f.tones, tone)
	return tone, nil
}

type mockWindow struct {
	trackedResource
	windowID   int
	surface    Surface
	width      int
	height     int
	surfaceErr error
}

func (m *mockWindow) SetSurface(surface Surface) error {
	m.use("set_surface")
	if m.surfaceErr != nil {
		return m.surfaceErr
	}
	m.surface = surface
	return nil
}

func (m *mockWindow) Size() (int, int, error) {
	m.use("size")
	return m.width, m.height, nil
}

type mockPreview struct {
	trackedResource
	device   int
	surface  Surface
	started  bool
	startErr error
}

func (m *mockPreview) Start(surface Surface) error {
	m.use("start")
	if m.startErr != nil {
		return m.startErr
	}
	m.surface = surface
	m.started = true
	return nil
}

func (m *mockPreview) Stop() error {
	m.use("stop")
	m.started = false
	return nil
}

type mockVideoFactory struct {
	tracker    *resourceTracker
	windowErr  error
	previewErr error
	surfaceErr error
	windows    []*mockWindow
	previews   []*mockPreview
}

func (f *mockVideoFactory) NewVideoWindow(windowID int) (VideoWindow, error) {
	if f.windowErr != nil {
		return nil, f.windowErr
	}
	w := &mockWindow{
		trackedResource: trackedResource{tracker: f.tracker, kind: "window"},
		windowID:        windowID,
		width:           640,
		height:          480,
		surfaceErr:      f.surfaceErr,
	}
	w.id = f.tracker.acquire("window")
	f.windows = append(f.windows, w)
	return w, nil
}

func (f *mockVideoFactory) NewVideoPreview(device int) (VideoPreview, error) {
	if f.previewErr != nil {
		return nil, f.previewErr
	}
	p := &mockPreview{trackedResource: trackedResource{tracker: f.tracker, kind: "preview"}, device: device}
	p.id = f.tracker.acquire("preview")
	f.previews = append(f.previews, p)
	return p, nil
}

func (f *mockVideoFactory) lastWindow() *mockWindow {
	if len(f.windows) == 0 {
		return nil
	}
	return f.windows[len(f.windows)-1]
}

func (f *mockVideoFactory) lastPreview() *mockPreview {
	if len(f.previews) == 0 {
		return nil
	}
	return f.previews[len(f.previews)-1]
}

type mockAudioMedia struct {
	name      string
	sinks     map[AudioMedia]bool
	txLevel   float32
	rxLevel   float32
	levelErr  error
	stopErr   error
	startErr  error
	startCall int
	stopCall  int
}

func newMockAudioMedia(name string) *mockAudioMedia {
	return &mockAudioMedia{name: name, sinks: make(map[AudioMedia]bool)}
}

func (m *mockAudioMedia) StartTransmit(sink AudioMedia) error {
	m.startCall++
	if m.startErr != nil {
		return m.startErr
	}
	m.sinks[sink] = true
	return nil
}

func (m *mockAudioMedia) StopTransmit(sink AudioMedia) error {
	m.stopCall++
	if m.stopErr != nil {
		return m.stopErr
	}
	delete(m.sinks, sink)
	return nil
}

func (m *mockAudioMedia) AdjustTxLevel(level float32) error {
	if m.levelErr != nil {
		return m.levelErr
	}
	m.txLevel = level
	return nil
}

func (m *mockAudioMedia) AdjustRxLevel(level float32) error {
	if m.levelErr != nil {
		return m.levelErr
	}
	m.rxLevel = level
	return nil
}

func (m *mockAudioMedia) transmitsTo(sink AudioMedia) bool {
	return m.sinks[sink]
}

type mockDevices struct {
	capture    *mockAudioMedia
	playback   *mockAudioMedia
	captureErr error
}

func (d *mockDevices) CaptureMedia() (AudioMedia, error) {
	if d.captureErr != nil {
		return nil, d.captureErr
	}
	return d.capture, nil
}

func (d *mockDevices) PlaybackMedia() (AudioMedia, error) {
	return d.playback, nil
}

type mockHandle struct {
	id int

	info    CallInfo
	infoErr error

	audio      map[int]*mockAudioMedia
	streamInfo map[int]StreamInfo
	streamStat map[int]StreamStat
	statErr    error

	answerErr   error
	hangupErr   error
	holdErr     error
	reinviteErr error
	transferErr error
	videoErr    error
	makeCallErr error
	deleteErr   error
	panicOnInfo bool

	answers     []CallOpParam
	hangups     []CallOpParam
	holds       []CallOpParam
	reinvites   []CallOpParam
	transfers   []string
	videoOps    []VideoStreamOp
	makeCalls   []string
	makeCallPrm []CallOpParam
	forwarded   []MediaEvent
	infoCalls   int
	deleted     int
}

func newMockHandle(id int) *mockHandle {
	return &mockHandle{
		id:         id,
		info:       CallInfo{ID: id, CallIDString: fmt.Sprintf("call-%d@test", id)},
		audio:      make(map[int]*mockAudioMedia),
		streamInfo: make(map[int]StreamInfo),
		streamStat: make(map[int]StreamStat),
	}
}

func (h *mockHandle) ID() int { return h.id }

func (h *mockHandle) Info() (CallInfo, error) {
	h.infoCalls++
	if h.panicOnInfo {
		panic("info exploded")
	}
	if h.deleted > 0 {
		return CallInfo{}, errors.New("call deleted")
	}
	if h.infoErr != nil {
		return CallInfo{}, h.infoErr
	}
	return h.info, nil
}

func (h *mockHandle) AudioMedia(mediaIndex int) (AudioMedia, error) {
	am, ok := h.audio[mediaIndex]
	if !ok {
		return nil, fmt.Errorf("no audio media %d", mediaIndex)
	}
	return am, nil
}

func (h *mockHandle) StreamInfo(mediaIndex int) (StreamInfo, error) {
	si, ok := h.streamInfo[mediaIndex]
	if !ok {
		return StreamInfo{}, fmt.Errorf("no stream %d", mediaIndex)
	}
	return si, nil
}

func (h *mockHandle) StreamStat(mediaIndex int) (StreamStat, error) {
	if h.statErr != nil {
		return StreamStat{}, h.statErr
	}
	return h.streamStat[mediaIndex], nil
}

func (h *mockHandle) Answer(prm CallOpParam) error {
	h.answers = append(h.answers, prm)
	return h.answerErr
}

func (h *mockHandle) Hangup(prm CallOpParam) error {
	h.hangups = append(h.hangups, prm)
	return h.hangupErr
}

func (h *mockHandle) Hold(prm CallOpParam) error {
	h.holds = append(h.holds, prm)
	return h.holdErr
}

func (h *mockHandle) Reinvite(prm CallOpParam) error {
	h.reinvites = append(h.reinvites, prm)
	return h.reinviteErr
}

func (h *mockHandle) Transfer(target string, prm CallOpParam) error {
	h.transfers = append(h.transfers, target)
	return h.transferErr
}

func (h *mockHandle) SetVideoStream(op VideoStreamOp) error {
	h.videoOps = append(h.videoOps, op)
	return h.videoErr
}

func (h *mockHandle) MakeCall(destination string, prm CallOpParam) error {
	h.makeCalls = append(h.makeCalls, destination)
	h.makeCallPrm = append(h.makeCallPrm, prm)
	return h.makeCallErr
}

func (h *mockHandle) DefaultMediaEvent(ev MediaEvent) {
	h.forwarded = append(h.forwarded, ev)
}

func (h *mockHandle) Delete() error {
	h.deleted++
	return h.deleteErr
}

// withAudio добавляет активный аудио-трек в info
func (h *mockHandle) withAudio(index int) *mockAudioMedia {
	am := newMockAudioMedia(fmt.Sprintf("track-%d", index))
	h.audio[index] = am
	h.info.Media = append(h.info.Media, CallMediaInfo{
		Index:            index,
		Type:             MediaTypeAudio,
		Status:           MediaStatusActive,
		Dir:              MediaDirEncodingDecoding,
		IncomingWindowID: InvalidWindowID,
	})
	return am
}

// setVideo задает единственный видео-трек с указанным окном
func (h *mockHandle) setVideo(index, windowID int) {
	media := h.info.Media[:0]
	for _, m := range h.info.Media {
		if m.Type != MediaTypeVideo {
			media = append(media, m)
		}
	}
	h.info.Media = append(media, CallMediaInfo{
		Index:            index,
		Type:             MediaTypeVideo,
		Status:           MediaStatusActive,
		Dir:              MediaDirEncodingDecoding,
		IncomingWindowID: windowID,
	})
}

func (h *mockHandle) report(state State, status StatusCode, role Role) {
	h.info.State = state
	h.info.LastStatusCode = status
	h.info.Role = role
}

type mockOwner struct {
	mu       sync.Mutex
	idURI    string
	realm    string
	removed  []int
	statuses []StatusCode
}

func (o *mockOwner) IDURI() string { return o.idURI }
func (o *mockOwner) Realm() string { return o.realm }

func (o *mockOwner) RemoveCall(callID int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.removed = append(o.removed, callID)
}

func (o *mockOwner) SetLastCallStatus(code StatusCode) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, code)
}

type stateEvent struct {
	ownerID string
	callID  int
	state   State
	status  StatusCode
	ts      int64
}

type mediaStateEvent struct {
	kind  MediaStateKind
	value bool
}

// recordingEmitter запоминает уведомления в порядке прихода
type recordingEmitter struct {
	mu       sync.Mutex
	order    []string
	states   []stateEvent
	media    []mediaStateEvent
	sizes    [][2]int
	stats    []CallStats
	statsErr error
	onMedia  func(kind MediaStateKind, value bool)
	onState  func(state State)
}

func (e *recordingEmitter) CallState(ownerID string, callID int, state State, status StatusCode, ts int64) error {
	e.mu.Lock()
	e.order = append(e.order, "state:"+state.String())
	e.states = append(e.states, stateEvent{ownerID, callID, state, status, ts})
	hook := e.onState
	e.mu.Unlock()

	if hook != nil {
		hook(state)
	}
	return nil
}

func (e *recordingEmitter) CallMediaState(ownerID string, callID int, kind MediaStateKind, value bool) error {
	e.mu.Lock()
	e.order = append(e.order, "media:"+string(kind))
	e.media = append(e.media, mediaStateEvent{kind, value})
	hook := e.onMedia
	e.mu.Unlock()

	if hook != nil {
		hook(kind, value)
	}
	return nil
}

func (e *recordingEmitter) VideoSize(width, height int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.order = append(e.order, "video_size")
	e.sizes = append(e.sizes, [2]int{width, height})
	return nil
}

func (e *recordingEmitter) CallStats(stats CallStats) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.order = append(e.order, "stats")
	e.stats = append(e.stats, stats)
	return e.statsErr
}

func (e *recordingEmitter) mediaOf(kind MediaStateKind) []bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []bool
	for _, m := range e.media {
		if m.kind == kind {
			out = append(out, m.value)
		}
	}
	return out
}

func (e *recordingEmitter) statesSeen() []State {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]State, 0, len(e.states))
	for _, s := range e.states {
		out = append(out, s.state)
	}
	return out
}

// fixture собранная сессия с фейковым окружением
type fixture struct {
	handle  *mockHandle
	owner   *mockOwner
	devices *mockDevices
	video   *mockVideoFactory
	tones   *mockToneFactory
	emitter *recordingEmitter
	tracker *resourceTracker
	now     time.Time
}

func newFixture(t *testing.T, id int) *fixture {
	tracker := newResourceTracker(t)
	return &fixture{
		handle:  newMockHandle(id),
		owner:   &mockOwner{idURI: "sip:100@mycompany.com", realm: "mycompany.com"},
		devices: &mockDevices{capture: newMockAudioMedia("capture"), playback: newMockAudioMedia("playback")},
		video:   &mockVideoFactory{tracker: tracker},
		tones:   &mockToneFactory{tracker: tracker},
		emitter: &recordingEmitter{},
		tracker: tracker,
		now:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) session(t *testing.T, direction Direction, opts ...Option) *Session {
	t.Helper()
	deps := Deps{
		Owner: f.owner,
		Platform: Platform{
			Audio: f.devices,
			Video: f.video,
			Tones: f.tones,
		},
		Emitter: f.emitter,
		Logger:  logger.NoOpLogger{},
	}
	opts = append([]Option{WithClock(func() time.Time { return f.now })}, opts...)
	s, err := NewSession(f.handle, direction, deps, opts...)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}
