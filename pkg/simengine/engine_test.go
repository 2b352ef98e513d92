package simengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/arzzra/sipcall/pkg/call"
	"github.com/arzzra/sipcall/pkg/logger"
	"github.com/pion/rtcp"
	"github.com/pion/sdp/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errEngine = errors.New("engine failure")

// recordingListener записывает события движка вместе с состоянием звонка
// на момент доставки
type recordingListener struct {
	engine *Engine

	mu       sync.Mutex
	events   []string
	media    []call.MediaEvent
	incoming []call.CallHandle

	onState func(callID int)
}

func (l *recordingListener) add(ev string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *recordingListener) Events() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *recordingListener) OnIncomingCall(_ context.Context, handle call.CallHandle, video bool) (*call.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.incoming = append(l.incoming, handle)
	return nil, nil
}

func (l *recordingListener) OnCallState(_ context.Context, callID int) error {
	c, ok := l.engine.Call(callID)
	if !ok {
		return fmt.Errorf("call %d not found", callID)
	}
	info, err := c.Info()
	if err != nil {
		return err
	}
	l.add(fmt.Sprintf("state:%s:%d", info.State, info.LastStatusCode))
	if l.onState != nil {
		l.onState(callID)
	}
	return nil
}

func (l *recordingListener) OnCallMediaState(_ context.Context, callID int) error {
	l.add("media")
	return nil
}

func (l *recordingListener) OnCallMediaEvent(_ context.Context, callID int, ev call.MediaEvent) error {
	l.mu.Lock()
	l.media = append(l.media, ev)
	l.mu.Unlock()
	l.add("media_event")
	return nil
}

func (l *recordingListener) OnStreamDestroyed(_ context.Context, callID, streamIndex int) error {
	l.add(fmt.Sprintf("stream_destroyed:%d", streamIndex))
	return nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestEngine(t *testing.T) (*Engine, *recordingListener, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	e := New(Options{LocalURI: "sip:100@mycompany.com", Clock: clock.Now, Logger: logger.NoOpLogger{}})
	l := &recordingListener{engine: e}
	e.SetListener(l)
	return e, l, clock
}

func audioSetting() call.CallOpParam {
	return call.CallOpParam{Setting: call.CallSetting{AudioCount: 1, ReqKeyframeMethod: call.KeyframeMethodRTCPPLI}}
}

func outgoing(t *testing.T, e *Engine) *Call {
	t.Helper()
	handle, err := e.NewOutgoingCall()
	require.NoError(t, err)
	c, ok := handle.(*Call)
	require.True(t, ok)
	return c
}

func TestOutgoingCallFlow(t *testing.T) {
	ctx := context.Background()
	e, l, clock := newTestEngine(t)
	c := outgoing(t, e)

	info, err := c.Info()
	require.NoError(t, err)
	assert.Equal(t, call.StateNull, info.State)
	assert.Equal(t, call.RoleUAC, info.Role)
	assert.NotEmpty(t, info.CallIDString)

	require.NoError(t, c.MakeCall("sip:200@mycompany.com", audioSetting()))
	assert.Equal(t, 1, e.Pending(), "команда только ставит событие в очередь")
	require.NoError(t, e.Drain(ctx))

	require.NoError(t, c.Ring(ctx))
	require.NoError(t, c.RemoteAnswer(ctx))

	clock.Advance(30 * time.Second)
	require.NoError(t, c.RemoteHangup(ctx))

	assert.Equal(t, []string{
		"state:CALLING:0",
		"state:EARLY:180",
		"state:CONNECTING:200",
		"state:CONFIRMED:200",
		"media",
		"stream_destroyed:0",
		"state:DISCONNECTED:200",
	}, l.Events())

	info, err = c.Info()
	require.NoError(t, err)
	assert.Equal(t, "sip:200@mycompany.com", info.RemoteURI)
	assert.Equal(t, "sip:100@mycompany.com", info.LocalURI)
	assert.Equal(t, 30*time.Second, info.ConnectDuration)
}

func TestIncomingCallAnswer(t *testing.T) {
	ctx := context.Background()
	e, l, _ := newTestEngine(t)

	c, err := e.Incoming(ctx, "sip:300@example.com", false)
	require.NoError(t, err)
	require.Len(t, l.incoming, 1)
	assert.Equal(t, c.ID(), l.incoming[0].ID())

	info, err := c.Info()
	require.NoError(t, err)
	assert.Equal(t, call.StateIncoming, info.State)
	assert.Equal(t, call.RoleUAS, info.Role)

	prm := call.CallOpParam{StatusCode: call.StatusOK, Setting: call.CallSetting{AudioCount: 1}}
	require.NoError(t, c.Answer(prm))
	assert.ErrorIs(t, c.Answer(prm), ErrInvalidState, "повторный ответ после 200")
	require.NoError(t, e.Drain(ctx))

	assert.Equal(t, []string{"state:CONNECTING:200", "state:CONFIRMED:200", "media"}, l.Events())

	info, err = c.Info()
	require.NoError(t, err)
	require.Len(t, info.Media, 1)
	assert.Equal(t, call.MediaTypeAudio, info.Media[0].Type)
	assert.Equal(t, call.MediaStatusActive, info.Media[0].Status)

	port, err := c.AudioMedia(0)
	require.NoError(t, err)
	assert.Same(t, c.Port(), port)

	_, err = c.AudioMedia(1)
	assert.ErrorIs(t, err, ErrNoMedia)
}

func TestIncomingCallDecline(t *testing.T) {
	ctx := context.Background()
	e, l, _ := newTestEngine(t)

	c, err := e.Incoming(ctx, "sip:300@example.com", false)
	require.NoError(t, err)

	require.NoError(t, c.Answer(call.CallOpParam{StatusCode: call.StatusBusyHere}))
	require.NoError(t, e.Drain(ctx))

	assert.Equal(t, []string{"state:DISCONNECTED:486"}, l.Events(), "без медиа поток не удаляется")
	assert.Empty(t, c.Offers())
}

func TestIncomingWithoutListener(t *testing.T) {
	e := New(Options{Logger: logger.NoOpLogger{}})
	_, err := e.Incoming(context.Background(), "sip:1@x", false)
	assert.ErrorIs(t, err, ErrNoListener)
}

func TestHangupBeforeAnswerCancels(t *testing.T) {
	ctx := context.Background()
	e, l, _ := newTestEngine(t)
	c := outgoing(t, e)

	require.NoError(t, c.MakeCall("sip:200@x", audioSetting()))
	require.NoError(t, c.Hangup(call.CallOpParam{StatusCode: call.StatusDecline}))
	assert.ErrorIs(t, c.Hangup(call.CallOpParam{}), ErrInvalidState)
	require.NoError(t, e.Drain(ctx))

	assert.Equal(t, []string{"state:CALLING:0", "state:DISCONNECTED:487"}, l.Events())
}

func TestRemoteReject(t *testing.T) {
	ctx := context.Background()
	e, l, _ := newTestEngine(t)
	c := outgoing(t, e)

	require.NoError(t, c.MakeCall("sip:200@x", audioSetting()))
	require.NoError(t, c.Progress(ctx))
	require.NoError(t, c.RemoteReject(ctx, call.StatusBusyHere, "Busy Here"))

	assert.Equal(t, []string{"state:CALLING:0", "state:EARLY:183", "state:DISCONNECTED:486"}, l.Events())
	assert.ErrorIs(t, c.RemoteAnswer(ctx), ErrInvalidState)
}

func TestHoldAndUnhold(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)
	c := outgoing(t, e)

	assert.ErrorIs(t, c.Hold(call.CallOpParam{}), ErrInvalidState)

	require.NoError(t, c.MakeCall("sip:200@x", audioSetting()))
	require.NoError(t, c.RemoteAnswer(ctx))

	require.NoError(t, c.Hold(call.CallOpParam{}))
	require.NoError(t, e.Drain(ctx))
	assert.Equal(t, call.MediaStatusLocalHold, c.MediaStatus(0))

	unhold := audioSetting()
	unhold.Setting.Flags |= call.FlagUnhold
	require.NoError(t, c.Reinvite(unhold))
	require.NoError(t, e.Drain(ctx))
	assert.Equal(t, call.MediaStatusActive, c.MediaStatus(0))

	require.NoError(t, c.RemoteHold(ctx))
	assert.Equal(t, call.MediaStatusRemoteHold, c.MediaStatus(0))

	offers := c.Offers()
	require.Len(t, offers, 3)
	assert.Contains(t, offers[1], "a=sendonly")
	assert.Contains(t, offers[2], "a=sendrecv")
}

func TestOfferSDP(t *testing.T) {
	e, _, _ := newTestEngine(t)

	t.Run("audio only with disabled video", func(t *testing.T) {
		c := outgoing(t, e)
		prm := audioSetting()
		prm.Setting.Flags |= call.FlagIncludeDisabledMedia
		require.NoError(t, c.MakeCall("sip:200@x", prm))

		var desc sdp.SessionDescription
		require.NoError(t, desc.Unmarshal([]byte(c.Offers()[0])))
		require.Len(t, desc.MediaDescriptions, 2)

		ports := mediaPorts(&desc)
		assert.NotZero(t, ports["audio"])
		assert.Zero(t, ports["video"])
		assert.Equal(t, []string{"0", "8"}, desc.MediaDescriptions[0].MediaName.Formats)
		_, inactive := desc.MediaDescriptions[1].Attribute("inactive")
		assert.True(t, inactive)
	})

	t.Run("video with pli feedback", func(t *testing.T) {
		c := outgoing(t, e)
		prm := audioSetting()
		prm.Setting.VideoCount = 1
		require.NoError(t, c.MakeCall("sip:200@x", prm))

		var desc sdp.SessionDescription
		require.NoError(t, desc.Unmarshal([]byte(c.Offers()[0])))
		require.Len(t, desc.MediaDescriptions, 2)

		ports := mediaPorts(&desc)
		assert.Equal(t, ports["audio"]+2, ports["video"])
		fb, ok := desc.MediaDescriptions[1].Attribute("rtcp-fb")
		assert.True(t, ok)
		assert.Equal(t, "96 nack pli", fb)
	})

	t.Run("audio only", func(t *testing.T) {
		c := outgoing(t, e)
		require.NoError(t, c.MakeCall("sip:200@x", audioSetting()))

		var desc sdp.SessionDescription
		require.NoError(t, desc.Unmarshal([]byte(c.Offers()[0])))
		assert.Len(t, desc.MediaDescriptions, 1)
	})
}

func TestSimulateAudioStats(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)
	c := outgoing(t, e)

	assert.ErrorIs(t, c.SimulateAudio(Traffic{Packets: 1}), ErrNoMedia)

	require.NoError(t, c.MakeCall("sip:200@x", audioSetting()))
	require.NoError(t, c.RemoteAnswer(ctx))

	require.NoError(t, c.SimulateAudio(Traffic{Packets: 101, LossEvery: 10, DuplicateEvery: 25, Discard: 2}))

	info, err := c.StreamInfo(0)
	require.NoError(t, err)
	assert.Equal(t, call.StreamInfo{Type: call.MediaTypeAudio, CodecName: "PCMU", ClockRate: 8000}, info)

	stat, err := c.StreamStat(0)
	require.NoError(t, err)

	// потеряны 10-й, 20-й, ... 100-й пакеты
	assert.EqualValues(t, 10, stat.Rx.Lost)
	assert.EqualValues(t, 2, stat.Rx.Discarded)
	// дубли 25-го и 75-го, 50-й потерян
	assert.EqualValues(t, 2, stat.Rx.Duplicated)
	assert.EqualValues(t, 91+2, stat.Rx.Packets)
	assert.Zero(t, stat.Rx.JitterUsec.Max)

	assert.EqualValues(t, 101, stat.Tx.Packets)
	assert.EqualValues(t, 10, stat.Tx.Lost)
}

func TestSimulateAudioJitter(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)
	c := outgoing(t, e)
	require.NoError(t, c.MakeCall("sip:200@x", audioSetting()))
	require.NoError(t, c.RemoteAnswer(ctx))

	require.NoError(t, c.SimulateAudio(Traffic{Packets: 200, Jitter: 10 * time.Millisecond}))

	stat, err := c.StreamStat(0)
	require.NoError(t, err)
	j := stat.Rx.JitterUsec
	assert.Greater(t, j.Mean, uint32(0))
	assert.LessOrEqual(t, j.Min, j.Mean)
	assert.LessOrEqual(t, j.Mean, j.Max)
	assert.LessOrEqual(t, j.Max, uint32(10000))
	assert.Greater(t, stat.Tx.JitterUsec.Mean, uint32(0), "джиттер из receiver report удаленной стороны")
}

func videoCall(t *testing.T, e *Engine) *Call {
	t.Helper()
	c := outgoing(t, e)
	prm := audioSetting()
	prm.Setting.VideoCount = 1
	require.NoError(t, c.MakeCall("sip:200@x", prm))
	require.NoError(t, c.RemoteAnswer(context.Background()))
	return c
}

func TestVideoEvents(t *testing.T) {
	ctx := context.Background()
	e, l, _ := newTestEngine(t)
	c := videoCall(t, e)

	info, err := c.Info()
	require.NoError(t, err)
	require.Len(t, info.Media, 2)
	video := info.Media[1]
	assert.Equal(t, call.MediaTypeVideo, video.Type)
	assert.NotEqual(t, call.InvalidWindowID, video.IncomingWindowID)

	require.NoError(t, c.VideoFormatChanged(ctx, 1280, 720))
	require.NoError(t, c.RequestKeyframe(ctx))
	require.NoError(t, c.Nack(ctx, 10, 11, 40))
	require.NoError(t, c.Nack(ctx))

	require.Len(t, l.media, 4)

	format := l.media[0]
	assert.Equal(t, call.MediaEventFormatChanged, format.Type)
	assert.Equal(t, call.MediaDirDecoding, format.Dir)
	assert.Equal(t, 1280, format.Width)

	window, err := e.NewVideoWindow(video.IncomingWindowID)
	require.NoError(t, err)
	w, h, err := window.Size()
	require.NoError(t, err)
	assert.Equal(t, 1280, w)
	assert.Equal(t, 720, h)
	require.NoError(t, window.Release())

	assert.Equal(t, call.MediaEventRtcpFeedback, l.media[1].Type)
	assert.IsType(t, &rtcp.PictureLossIndication{}, l.media[1].Feedback)

	nack, ok := l.media[2].Feedback.(*rtcp.TransportLayerNack)
	require.True(t, ok)
	assert.Len(t, nack.Nacks, 2)

	empty, ok := l.media[3].Feedback.(*rtcp.TransportLayerNack)
	require.True(t, ok)
	assert.Empty(t, empty.Nacks)
}

func TestVideoEventsWithoutVideo(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)
	c := outgoing(t, e)
	require.NoError(t, c.MakeCall("sip:200@x", audioSetting()))
	require.NoError(t, c.RemoteAnswer(ctx))

	assert.ErrorIs(t, c.VideoFormatChanged(ctx, 1, 1), ErrNoMedia)
	assert.ErrorIs(t, c.RequestKeyframe(ctx), ErrNoMedia)
	assert.ErrorIs(t, c.SetVideoStream(call.VideoStreamOpSendKeyframe), ErrNoMedia)
}

func TestResourceAccounting(t *testing.T) {
	e, _, _ := newTestEngine(t)
	platform := e.Platform()

	tonePlayer, err := platform.Tones.NewRingback()
	require.NoError(t, err)
	require.NoError(t, tonePlayer.Start())
	assert.Equal(t, 1, e.Live(ResourceRingback))
	require.NoError(t, tonePlayer.Stop())
	require.NoError(t, tonePlayer.Release())
	assert.ErrorIs(t, tonePlayer.Release(), ErrReleased)
	assert.Equal(t, 0, e.Live(ResourceRingback))
	assert.Equal(t, 1, e.Created(ResourceRingback))

	preview, err := platform.Video.NewVideoPreview(call.FrontCameraCaptureDevice)
	require.NoError(t, err)
	require.NoError(t, preview.Start("surface"))
	assert.True(t, preview.(*Preview).Running())
	require.NoError(t, preview.Release())
	assert.ErrorIs(t, preview.Start("surface"), ErrReleased)
	assert.Equal(t, 0, e.Live(ResourcePreview))

	_, err = platform.Video.NewVideoWindow(99)
	assert.ErrorIs(t, err, ErrNoMedia, "окна нет у движка")
}

func TestInjectFailure(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)
	c := outgoing(t, e)
	require.NoError(t, c.MakeCall("sip:200@x", audioSetting()))
	require.NoError(t, c.RemoteAnswer(ctx))

	e.InjectFailure("transfer", errEngine)
	assert.ErrorIs(t, c.Transfer("<sip:300@x>", call.CallOpParam{}), errEngine)
	require.NoError(t, c.Transfer("<sip:300@x>", call.CallOpParam{}), "ошибка срабатывает один раз")
	assert.Equal(t, []string{"<sip:300@x>"}, c.Transfers())

	e.InjectFailure("ringback", errEngine)
	_, err := e.Platform().Tones.NewRingback()
	assert.ErrorIs(t, err, errEngine)
	assert.Zero(t, e.Live(ResourceRingback))
}

func TestDeleteSkipsQueuedEvents(t *testing.T) {
	ctx := context.Background()
	e, l, _ := newTestEngine(t)
	c := outgoing(t, e)

	require.NoError(t, c.MakeCall("sip:200@x", audioSetting()))
	require.NoError(t, c.Delete())
	assert.ErrorIs(t, c.Delete(), ErrCallDeleted)
	require.NoError(t, e.Drain(ctx))

	assert.Empty(t, l.Events())
	assert.Zero(t, e.CallCount())
	_, err := c.Info()
	assert.ErrorIs(t, err, ErrCallDeleted)
	assert.ErrorIs(t, c.Ring(ctx), ErrCallDeleted)
}

func TestDeleteDisconnectsAudio(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)
	c := outgoing(t, e)
	require.NoError(t, c.MakeCall("sip:200@x", audioSetting()))
	require.NoError(t, c.RemoteAnswer(ctx))

	port := c.Port()
	require.NoError(t, e.Capture().StartTransmit(port))
	require.NoError(t, port.StartTransmit(e.Playback()))

	require.NoError(t, c.Delete())
	assert.False(t, e.Capture().TransmitsTo(port))
	assert.False(t, port.TransmitsTo(e.Playback()))
}

func TestDrainDeliversEventsQueuedByHandlers(t *testing.T) {
	ctx := context.Background()
	e, l, _ := newTestEngine(t)
	c := outgoing(t, e)

	hungUp := false
	l.onState = func(callID int) {
		info, _ := c.Info()
		if info.State == call.StateConfirmed && !hungUp {
			hungUp = true
			require.NoError(t, c.Hangup(call.CallOpParam{StatusCode: call.StatusDecline}))
			require.NoError(t, e.Drain(ctx), "вложенный Drain ничего не делает")
		}
	}

	require.NoError(t, c.MakeCall("sip:200@x", audioSetting()))
	require.NoError(t, c.RemoteAnswer(ctx))

	assert.Equal(t, []string{
		"state:CALLING:0",
		"state:CONNECTING:200",
		"state:CONFIRMED:200",
		"media",
		"stream_destroyed:0",
		"state:DISCONNECTED:603",
	}, l.Events())
	assert.Zero(t, e.Pending())
}

func TestDrainWithoutListener(t *testing.T) {
	e := New(Options{Logger: logger.NoOpLogger{}})
	c := outgoing(t, e)
	require.NoError(t, c.MakeCall("sip:1@x", audioSetting()))
	assert.ErrorIs(t, e.Drain(context.Background()), ErrNoListener)
}
