package emitter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arzzra/sipcall/pkg/logger"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher транспорт уведомлений: публикует payload в topic
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

const (
	defaultConnectTimeout = 10 * time.Second
	// disconnectQuiesce время на доотправку исходящих при Close, мс
	disconnectQuiesce = 250
)

// MQTTOptions настройки MQTT транспорта
type MQTTOptions struct {
	Broker   string
	ClientID string
	QoS      byte
	// PublishTimeout дедлайн публикации, если у ctx вызова его нет; 0 - без ограничения
	PublishTimeout time.Duration
	// ConnectTimeout ограничивает первое подключение, 0 - defaultConnectTimeout
	ConnectTimeout time.Duration
	Logger         logger.StructuredLogger
}

// MQTTPublisher публикует уведомления через Paho MQTT клиент.
// Порядок публикаций сохраняется: уведомления одного звонка приходят
// подписчику в том же порядке, в каком их отправила сессия.
type MQTTPublisher struct {
	client mqtt.Client
	opts   MQTTOptions
	log    logger.StructuredLogger
}

// NewMQTTPublisher создает клиента и ждет подключения к брокеру
// не дольше ConnectTimeout и не дольше жизни ctx.
func NewMQTTPublisher(ctx context.Context, opts MQTTOptions) (*MQTTPublisher, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	p := newMQTTPublisher(nil, opts)
	p.client = mqtt.NewClient(p.clientOptions())

	ctx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()
	if err := p.await(ctx, p.client.Connect()); err != nil {
		p.client.Disconnect(0)
		return nil, fmt.Errorf("connect to mqtt broker %s: %w", opts.Broker, err)
	}
	return p, nil
}

func newMQTTPublisher(client mqtt.Client, opts MQTTOptions) *MQTTPublisher {
	log := opts.Logger
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &MQTTPublisher{
		client: client,
		opts:   opts,
		log:    log.WithComponent("mqtt").WithFields(logger.String("broker", opts.Broker)),
	}
}

func (p *MQTTPublisher) clientOptions() *mqtt.ClientOptions {
	return mqtt.NewClientOptions().
		AddBroker(p.opts.Broker).
		SetClientID(p.opts.ClientID).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetAutoReconnect(true).
		SetConnectTimeout(p.opts.ConnectTimeout).
		SetOnConnectHandler(func(mqtt.Client) {
			p.log.Info(context.Background(), "подключен к брокеру")
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			p.log.Warn(context.Background(), "соединение с брокером потеряно", logger.Err(err))
		}).
		SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
			p.log.Debug(context.Background(), "переподключение к брокеру")
		})
}

// await ждет завершения token или отмены ctx
func (p *MQTTPublisher) await(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish отправляет payload с QoS из настроек и ждет подтверждения брокера
func (p *MQTTPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if _, ok := ctx.Deadline(); !ok && p.opts.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.PublishTimeout)
		defer cancel()
	}

	if err := p.await(ctx, p.client.Publish(topic, p.opts.QoS, false, payload)); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Close отключается от брокера, давая исходящим disconnectQuiesce мс
func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(disconnectQuiesce)
	p.log.Info(context.Background(), "отключен от брокера")
	return nil
}

// Message одна опубликованная запись
type Message struct {
	Topic   string
	Payload []byte
}

// MockPublisher запоминает публикации для проверок в тестах
type MockPublisher struct {
	mu       sync.Mutex
	messages []Message
	closed   bool
	err      error
}

func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

// SetError заставляет Publish возвращать err
func (m *MockPublisher) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MockPublisher) Publish(_ context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	p := make([]byte, len(payload))
	copy(p, payload)
	m.messages = append(m.messages, Message{Topic: topic, Payload: p})
	return nil
}

func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed был ли вызван Close
func (m *MockPublisher) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Messages копия всех публикаций
func (m *MockPublisher) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := make([]Message, len(m.messages))
	copy(msgs, m.messages)
	return msgs
}

// Reset очищает журнал публикаций
func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
}
