package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/arzzra/sipcall/pkg/call"
	"github.com/google/uuid"
)

// DefaultTopicPrefix префикс топиков по умолчанию
const DefaultTopicPrefix = "sipcall"

// CallStateEvent payload топика <prefix>/call/<id>/state
type CallStateEvent struct {
	EventID          string `json:"event_id"`
	Timestamp        string `json:"timestamp"`
	Account          string `json:"account"`
	CallID           int    `json:"call_id"`
	State            string `json:"state"`
	Status           int    `json:"status"`
	ConnectTimestamp int64  `json:"connect_timestamp"`
}

// CallMediaStateEvent payload топика <prefix>/call/<id>/media
type CallMediaStateEvent struct {
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	Account   string `json:"account"`
	CallID    int    `json:"call_id"`
	Kind      string `json:"kind"`
	Value     bool   `json:"value"`
}

// VideoSizeEvent payload топика <prefix>/video/size
type VideoSizeEvent struct {
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

// CallStatsEvent payload топика <prefix>/call/<id>/stats
type CallStatsEvent struct {
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	call.CallStats
}

// MQTTEmitter публикует уведомления сессий как JSON в топики брокера
type MQTTEmitter struct {
	pub     Publisher
	prefix  string
	now     func() time.Time
	newID   func() string
	timeout time.Duration
}

// MQTTEmitterOption настройка MQTTEmitter
type MQTTEmitterOption func(*MQTTEmitter)

// WithClock подменяет источник времени
func WithClock(now func() time.Time) MQTTEmitterOption {
	return func(e *MQTTEmitter) { e.now = now }
}

// WithIDGenerator подменяет генератор event_id
func WithIDGenerator(gen func() string) MQTTEmitterOption {
	return func(e *MQTTEmitter) { e.newID = gen }
}

// WithPublishTimeout ограничивает ожидание каждой публикации
func WithPublishTimeout(d time.Duration) MQTTEmitterOption {
	return func(e *MQTTEmitter) { e.timeout = d }
}

// NewMQTTEmitter создает эмиттер поверх pub; пустой prefix заменяется DefaultTopicPrefix
func NewMQTTEmitter(pub Publisher, prefix string, opts ...MQTTEmitterOption) *MQTTEmitter {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	e := &MQTTEmitter{
		pub:    pub,
		prefix: prefix,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *MQTTEmitter) callTopic(callID int, leaf string) string {
	return fmt.Sprintf("%s/call/%d/%s", e.prefix, callID, leaf)
}

func (e *MQTTEmitter) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e *MQTTEmitter) publish(topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", topic, err)
	}
	ctx := context.Background()
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	if err := e.pub.Publish(ctx, topic, data); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (e *MQTTEmitter) CallState(ownerID string, callID int, state call.State, status call.StatusCode, connectTimestamp int64) error {
	return e.publish(e.callTopic(callID, "state"), CallStateEvent{
		EventID:          e.newID(),
		Timestamp:        e.timestamp(),
		Account:          ownerID,
		CallID:           callID,
		State:            state.String(),
		Status:           int(status),
		ConnectTimestamp: connectTimestamp,
	})
}

func (e *MQTTEmitter) CallMediaState(ownerID string, callID int, kind call.MediaStateKind, value bool) error {
	return e.publish(e.callTopic(callID, "media"), CallMediaStateEvent{
		EventID:   e.newID(),
		Timestamp: e.timestamp(),
		Account:   ownerID,
		CallID:    callID,
		Kind:      string(kind),
		Value:     value,
	})
}

func (e *MQTTEmitter) VideoSize(width, height int) error {
	return e.publish(e.prefix+"/video/size", VideoSizeEvent{
		EventID:   e.newID(),
		Timestamp: e.timestamp(),
		Width:     width,
		Height:    height,
	})
}

func (e *MQTTEmitter) CallStats(stats call.CallStats) error {
	return e.publish(e.callTopic(stats.CallID, "stats"), CallStatsEvent{
		EventID:   e.newID(),
		Timestamp: e.timestamp(),
		CallStats: stats,
	})
}
