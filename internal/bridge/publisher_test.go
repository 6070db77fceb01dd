package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"aircloud/internal/aircloud"
	"aircloud/internal/mqtt"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type published struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

type fakeBus struct {
	mu       sync.Mutex
	messages []published
	handlers map[string]mqtt.MessageHandler
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[string]mqtt.MessageHandler)}
}

func (b *fakeBus) Publish(topic string, payload []byte, qos byte, retained bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, published{topic, payload, qos, retained})
	return nil
}

func (b *fakeBus) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = handler
	return nil
}

func (b *fakeBus) deliver(t *testing.T, pattern, topic string, payload []byte) error {
	b.mu.Lock()
	handler, ok := b.handlers[pattern]
	b.mu.Unlock()
	require.True(t, ok, "no subscription for %s", pattern)
	return handler(topic, payload)
}

func (b *fakeBus) last(topic string) (published, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.messages) - 1; i >= 0; i-- {
		if b.messages[i].topic == topic {
			return b.messages[i], true
		}
	}
	return published{}, false
}

func TestPublisher(t *testing.T) {
	f := newCommanderFixture(t, CommanderConfig{})
	bus := newFakeBus()
	topics := mqtt.Topics{Prefix: "aircloud"}
	step := func(aircloud.ID) float64 { return 0.5 }

	pub := NewPublisher(bus, topics, 1, f.store, f.commander, step, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, pub.Start(ctx))
	defer pub.Stop()

	t.Run("publishes cached devices on start", func(t *testing.T) {
		msg, ok := bus.last("aircloud/55/101/state")
		require.True(t, ok)
		assert.True(t, msg.retained)
		assert.Equal(t, byte(1), msg.qos)

		var view View
		require.NoError(t, json.Unmarshal(msg.payload, &view))
		assert.Equal(t, "101", view.DeviceID)
		assert.Equal(t, "55", view.FamilyID)
		assert.Equal(t, "Living", view.Name)
		assert.Equal(t, aircloud.HVACCool, view.HVACMode)
		assert.Equal(t, aircloud.FanMedium, view.FanMode)
		assert.Equal(t, aircloud.SwingVertical, view.SwingMode)
		require.NotNil(t, view.TargetTemperature)
		assert.Equal(t, 22.0, *view.TargetTemperature)
		assert.Nil(t, view.Humidity)
		assert.Equal(t, 0.5, view.TemperatureStep)
		assert.Equal(t, 16.0, view.MinTemperature)
		assert.Equal(t, 32.0, view.MaxTemperature)
	})

	t.Run("set request runs a command", func(t *testing.T) {
		f.svc.OnCommand(func(cmd aircloud.Command) {
			updated := livingRoom()
			updated.Power = cmd.Power
			f.svc.SetStates("55", []aircloud.DeviceState{updated})
		})

		err := bus.deliver(t, "aircloud/+/+/set", "aircloud/55/101/set", []byte(`{"hvac_mode":"off"}`))
		require.NoError(t, err)

		assert.Eventually(t, func() bool {
			msg, ok := bus.last("aircloud/55/101/state")
			if !ok {
				return false
			}
			var view View
			return json.Unmarshal(msg.payload, &view) == nil && view.HVACMode == aircloud.HVACOff
		}, 2*time.Second, 10*time.Millisecond)

		commands := f.svc.Commands()
		require.Len(t, commands, 1)
		assert.Equal(t, aircloud.PowerOff, commands[0].Command.Power)
	})

	t.Run("malformed requests are rejected", func(t *testing.T) {
		assert.Error(t, bus.deliver(t, "aircloud/+/+/set", "aircloud/55/101/set", []byte(`not json`)))
		assert.Error(t, bus.deliver(t, "aircloud/+/+/set", "elsewhere/55/101/set", []byte(`{}`)))
	})
}

func TestNewView_TargetOnlyWhileCooling(t *testing.T) {
	state := livingRoom()
	state.Mode = aircloud.ModeFan
	view := NewView(Device{FamilyID: "55", State: state}, 1)
	assert.Nil(t, view.TargetTemperature)
	assert.Equal(t, aircloud.HVACFanOnly, view.HVACMode)

	state.Power = aircloud.PowerOff
	view = NewView(Device{FamilyID: "55", State: state}, 1)
	assert.Equal(t, aircloud.HVACOff, view.HVACMode)
}
