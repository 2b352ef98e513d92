package emitter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/arzzra/sipcall/pkg/logger"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func completedToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool { <-t.done; return true }

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

// fakeClient подменяет Paho клиента; неиспользуемые методы не реализованы
type fakeClient struct {
	mqtt.Client

	mu         sync.Mutex
	token      *fakeToken
	published  []Message
	qos        []byte
	quiesce    uint
	disconnect int
}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, Message{Topic: topic, Payload: payload.([]byte)})
	c.qos = append(c.qos, qos)
	return c.token
}

func (c *fakeClient) Disconnect(quiesce uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnect++
	c.quiesce = quiesce
}

func newTestPublisher(client *fakeClient, timeout time.Duration) *MQTTPublisher {
	return newMQTTPublisher(client, MQTTOptions{
		Broker:         "tcp://broker:1883",
		QoS:            1,
		PublishTimeout: timeout,
		Logger:         logger.NoOpLogger{},
	})
}

func TestMQTTPublisher_Publish(t *testing.T) {
	client := &fakeClient{token: completedToken(nil)}
	p := newTestPublisher(client, time.Second)

	require.NoError(t, p.Publish(context.Background(), "sipcall/call/1/state", []byte(`{}`)))
	require.Len(t, client.published, 1)
	assert.Equal(t, "sipcall/call/1/state", client.published[0].Topic)
	assert.Equal(t, []byte(`{}`), client.published[0].Payload)
	assert.Equal(t, []byte{1}, client.qos)
}

func TestMQTTPublisher_PublishBrokerError(t *testing.T) {
	client := &fakeClient{token: completedToken(errBroker)}
	p := newTestPublisher(client, time.Second)

	err := p.Publish(context.Background(), "sipcall/video/size", nil)
	assert.ErrorIs(t, err, errBroker)
	assert.Contains(t, err.Error(), "sipcall/video/size")
}

func TestMQTTPublisher_PublishTimeout(t *testing.T) {
	client := &fakeClient{token: &fakeToken{done: make(chan struct{})}}
	p := newTestPublisher(client, 20*time.Millisecond)

	start := time.Now()
	err := p.Publish(context.Background(), "sipcall/call/2/stats", []byte(`{}`))

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestMQTTPublisher_CallerCancel(t *testing.T) {
	client := &fakeClient{token: &fakeToken{done: make(chan struct{})}}
	p := newTestPublisher(client, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Publish(ctx, "sipcall/call/2/media", nil)

	assert.True(t, errors.Is(err, context.Canceled))
}

func TestMQTTPublisher_Close(t *testing.T) {
	client := &fakeClient{}
	p := newTestPublisher(client, 0)

	require.NoError(t, p.Close())
	assert.Equal(t, 1, client.disconnect)
	assert.Equal(t, uint(disconnectQuiesce), client.quiesce)
}

func TestNewMQTTPublisher_ConnectHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMQTTPublisher(ctx, MQTTOptions{
		Broker:         "tcp://127.0.0.1:1",
		ClientID:       "test",
		ConnectTimeout: time.Second,
		Logger:         logger.NoOpLogger{},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tcp://127.0.0.1:1")
}
