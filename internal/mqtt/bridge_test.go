package mqtt

import (
	"encoding/json"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/slot-iocard/internal/config"
	"github.com/wfunc/slot-iocard/internal/errors"
	"github.com/wfunc/slot-iocard/internal/hardware"
)

// doneToken 立即完成的 token
type doneToken struct {
	err error
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Error() error                   { return t.err }
func (t *doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic   string
	payload []byte
}

// fakeClient 内存中的 paho.Client
type fakeClient struct {
	mu           sync.Mutex
	connectErr   error
	connected    bool
	disconnected bool
	handlers     map[string]paho.MessageHandler
	published    []published
}

func newFakeClient() *fakeClient {
	return &fakeClient{handlers: map[string]paho.MessageHandler{}}
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *fakeClient) Connect() paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr == nil {
		c.connected = true
	}
	return &doneToken{err: c.connectErr}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnected = true
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, published{topic: topic, payload: payload.([]byte)})
	return &doneToken{}
}

func (c *fakeClient) Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = callback
	return &doneToken{}
}

func (c *fakeClient) SubscribeMultiple(filters map[string]byte, callback paho.MessageHandler) paho.Token {
	for topic, qos := range filters {
		c.Subscribe(topic, qos, callback)
	}
	return &doneToken{}
}

func (c *fakeClient) Unsubscribe(topics ...string) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range topics {
		delete(c.handlers, topic)
	}
	return &doneToken{}
}

func (c *fakeClient) AddRoute(topic string, callback paho.MessageHandler) {
	c.Subscribe(topic, 0, callback)
}

func (c *fakeClient) OptionsReader() paho.ClientOptionsReader {
	return paho.ClientOptionsReader{}
}

// deliver 模拟 broker 投递消息
func (c *fakeClient) deliver(topic string, payload []byte) bool {
	c.mu.Lock()
	h, ok := c.handlers[topic]
	c.mu.Unlock()
	if !ok {
		return false
	}
	h(c, &fakeMessage{topic: topic, payload: payload})
	return true
}

func (c *fakeClient) messages(topic string) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [][]byte
	for _, p := range c.published {
		if p.topic == topic {
			out = append(out, p.payload)
		}
	}
	return out
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker:   "tcp://127.0.0.1:1883",
		ClientID: "test",
		QoS:      1,
		Topics: config.MQTTTopics{
			Event:   "iocard/test/events",
			Command: "iocard/test/commands",
			Reply:   "iocard/test/replies",
		},
	}
}

func startBridge(t *testing.T, sender *hardware.Card) (*Bridge, *fakeClient) {
	client := newFakeClient()
	b := newBridge(client, testConfig(), sender)
	require.NoError(t, b.Start())
	t.Cleanup(b.Stop)
	return b, client
}

func TestBridgePublishesEvents(t *testing.T) {
	b, client := startBridge(t, nil)
	assert.Equal(t, "iocard/test/events/coin_counter", b.EventTopic("coin_counter"))

	b.PublishEvent(hardware.CoinCounterResult{
		Header: hardware.Header{ID: 0x20, Timestamp: 99},
		Track:  0x02,
		Coins:  11,
	})

	require.Eventually(t, func() bool {
		return len(client.messages("iocard/test/events/coin_counter")) == 1
	}, time.Second, 5*time.Millisecond)

	var msg EventMessage
	require.NoError(t, json.Unmarshal(client.messages("iocard/test/events/coin_counter")[0], &msg))
	assert.Equal(t, "coin_counter", msg.Type)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, uint64(99), msg.DeviceTime)
	assert.EqualValues(t, 11, msg.Data["coins"])
}

func TestBridgeCommands(t *testing.T) {
	proto := hardware.ProtocolV1
	sim := hardware.NewSimulatedLink(proto)
	card := hardware.NewCard(proto, func() (hardware.Link, error) { return sim, nil })
	require.NoError(t, card.Connect("sim0", 0))
	t.Cleanup(func() { card.Disconnect() })

	_, client := startBridge(t, card)

	require.True(t, client.deliver("iocard/test/commands",
		[]byte(`{"id":"c1","command":"EJECT_COIN","params":{"track":192,"count":2}}`)))
	require.True(t, client.deliver("iocard/test/commands", []byte(`{"id":"c2","command":"FLY"}`)))
	require.True(t, client.deliver("iocard/test/commands", []byte(`garbage`)))

	require.Eventually(t, func() bool {
		return len(client.messages("iocard/test/replies")) == 3
	}, time.Second, 5*time.Millisecond)

	replies := client.messages("iocard/test/replies")
	var ok, unknown, malformed ReplyMessage
	require.NoError(t, json.Unmarshal(replies[0], &ok))
	require.NoError(t, json.Unmarshal(replies[1], &unknown))
	require.NoError(t, json.Unmarshal(replies[2], &malformed))

	assert.True(t, ok.OK)
	assert.Equal(t, "c1", ok.ID)
	require.NotNil(t, ok.Result)
	assert.True(t, ok.Result.Sent)
	assert.Equal(t, "front", ok.Result.Position)

	assert.False(t, unknown.OK)
	assert.Equal(t, "c2", unknown.ID)
	assert.Equal(t, int(errors.ErrInvalidParam), unknown.Code)

	assert.False(t, malformed.OK)
	assert.Equal(t, int(errors.ErrMessageFormat), malformed.Code)

	// 模拟设备收到出币命令
	require.Eventually(t, func() bool {
		for _, f := range sim.Received() {
			if f.ID == 0x40 {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestBridgeConnectFailure(t *testing.T) {
	client := newFakeClient()
	client.connectErr = stderrors.New("refused")
	b := newBridge(client, testConfig(), nil)

	err := b.Start()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrMQTTConnect))

	b.Stop()
	assert.True(t, client.disconnected)
}
