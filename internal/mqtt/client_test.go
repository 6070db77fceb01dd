package mqtt

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() Config {
	return Config{
		Broker:      "tcp://127.0.0.1:1883",
		ClientID:    "aircloud-test",
		Username:    "bridge",
		Password:    "secret",
		TopicPrefix: "aircloud",
		QoS:         1,
		KeepAlive:   15 * time.Second,
	}
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func TestBuildClientOptions(t *testing.T) {
	opts := buildClientOptions(testConfig())

	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "tcp://127.0.0.1:1883", opts.Servers[0].String())
	assert.Equal(t, "aircloud-test", opts.ClientID)
	assert.Equal(t, "bridge", opts.Username)
	assert.Equal(t, "secret", opts.Password)
	assert.True(t, opts.CleanSession)
	assert.True(t, opts.AutoReconnect)
	assert.Equal(t, int64(15), opts.KeepAlive)
}

func TestBuildClientOptions_Anonymous(t *testing.T) {
	cfg := testConfig()
	cfg.Username = ""
	cfg.KeepAlive = 0

	opts := buildClientOptions(cfg)
	assert.Empty(t, opts.Username)
	assert.Empty(t, opts.Password)
	assert.Equal(t, int64(defaultKeepAlive/time.Second), opts.KeepAlive)
}

func TestConfigureLWT(t *testing.T) {
	opts := pahomqtt.NewClientOptions()
	configureLWT(opts, testConfig())

	assert.True(t, opts.WillEnabled)
	assert.Equal(t, "aircloud/status", opts.WillTopic)
	assert.True(t, opts.WillRetained)
	assert.Equal(t, byte(1), opts.WillQos)

	var payload statusPayload
	require.NoError(t, json.Unmarshal(opts.WillPayload, &payload))
	assert.Equal(t, "offline", payload.Status)
	assert.Equal(t, "aircloud-test", payload.ClientID)
	assert.Equal(t, "unexpected_disconnect", payload.Reason)
	_, err := time.Parse(time.RFC3339, payload.Timestamp)
	assert.NoError(t, err)
}

func TestConnect_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Broker = ""
	_, err := Connect(cfg, zap.NewNop())
	assert.ErrorIs(t, err, ErrNoBrokerSpecified)

	cfg = testConfig()
	cfg.QoS = 3
	_, err = Connect(cfg, zap.NewNop())
	assert.ErrorIs(t, err, ErrInvalidQoS)
}

func TestClient_DisconnectedOperations(t *testing.T) {
	c := &Client{
		cfg:           testConfig(),
		topics:        Topics{Prefix: "aircloud"},
		logger:        zap.NewNop(),
		subscriptions: make(map[string]subscription),
	}
	handler := func(string, []byte) error { return nil }

	assert.False(t, c.IsConnected())
	assert.ErrorIs(t, c.Publish("", nil, 0, false), ErrInvalidTopic)
	assert.ErrorIs(t, c.Publish("a", nil, 3, false), ErrInvalidQoS)
	assert.ErrorIs(t, c.Publish("a", nil, 1, false), ErrNotConnected)
	assert.ErrorIs(t, c.Subscribe("a", 1, nil), ErrSubscribeFailed)
	assert.ErrorIs(t, c.Subscribe("a", 1, handler), ErrNotConnected)
	assert.NoError(t, c.Close())
}

func TestClient_WrapHandler(t *testing.T) {
	c := &Client{logger: zap.NewNop()}

	var gotTopic string
	var gotPayload []byte
	wrapped := c.wrapHandler(func(topic string, payload []byte) error {
		gotTopic = topic
		gotPayload = payload
		return errors.New("ignored")
	})
	wrapped(nil, fakeMessage{topic: "aircloud/1/2/set", payload: []byte(`{}`)})
	assert.Equal(t, "aircloud/1/2/set", gotTopic)
	assert.Equal(t, []byte(`{}`), gotPayload)

	panicking := c.wrapHandler(func(string, []byte) error { panic("boom") })
	assert.NotPanics(t, func() {
		panicking(nil, fakeMessage{topic: "x"})
	})
}

func TestTopics(t *testing.T) {
	topics := Topics{Prefix: "hvac"}

	assert.Equal(t, "hvac/status", topics.Status())
	assert.Equal(t, "hvac/12/101/state", topics.DeviceState("12", "101"))
	assert.Equal(t, "hvac/12/101/set", topics.DeviceSet("12", "101"))
	assert.Equal(t, "hvac/+/+/set", topics.AllDeviceSets())

	family, device, ok := topics.ParseDeviceSet("hvac/12/101/set")
	require.True(t, ok)
	assert.Equal(t, "12", family)
	assert.Equal(t, "101", device)

	for _, topic := range []string{
		"hvac/12/101/state",
		"other/12/101/set",
		"hvac/12/set",
		"hvac//101/set",
		"hvac/12/101/set/extra",
	} {
		_, _, ok := topics.ParseDeviceSet(topic)
		assert.False(t, ok, topic)
	}
}
