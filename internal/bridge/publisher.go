package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"aircloud/internal/aircloud"
	"aircloud/internal/mqtt"

	"go.uber.org/zap"
)

// MessageBus is the subset of the MQTT client the publisher needs
type MessageBus interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// Publisher mirrors device state to MQTT and routes set requests to the
// Commander.
type Publisher struct {
	bus       MessageBus
	topics    mqtt.Topics
	qos       byte
	store     *Store
	commander *Commander
	step      StepFunc
	logger    *zap.Logger

	mu  sync.Mutex
	ctx context.Context
	sub Subscription
	wg  sync.WaitGroup
}

// NewPublisher creates a publisher. step may be nil.
func NewPublisher(bus MessageBus, topics mqtt.Topics, qos byte, store *Store, commander *Commander, step StepFunc, logger *zap.Logger) *Publisher {
	if step == nil {
		step = func(aircloud.ID) float64 { return 0 }
	}
	return &Publisher{
		bus:       bus,
		topics:    topics,
		qos:       qos,
		store:     store,
		commander: commander,
		step:      step,
		logger:    logger,
	}
}

// Start subscribes to set requests and store changes and publishes the
// current state of every cached device. Commands run under ctx.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()

	if err := p.bus.Subscribe(p.topics.AllDeviceSets(), p.qos, p.handleSet); err != nil {
		return fmt.Errorf("subscribe to set topics: %w", err)
	}

	sub := p.store.Subscribe(func(_, updated *Device) {
		if err := p.PublishDevice(*updated); err != nil {
			p.logger.Warn("Failed to publish device state",
				zap.String("device_id", updated.State.ID.String()),
				zap.Error(err))
		}
	})
	p.mu.Lock()
	p.sub = sub
	p.mu.Unlock()

	for _, dev := range p.store.List() {
		if err := p.PublishDevice(dev); err != nil {
			p.logger.Warn("Failed to publish device state",
				zap.String("device_id", dev.State.ID.String()),
				zap.Error(err))
		}
	}

	p.logger.Info("MQTT publisher started", zap.String("set_topic", p.topics.AllDeviceSets()))
	return nil
}

// Stop detaches from the store and waits for in-flight commands.
func (p *Publisher) Stop() {
	p.mu.Lock()
	sub := p.sub
	p.sub = nil
	p.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	p.wg.Wait()
}

// PublishDevice publishes the retained state of one device
func (p *Publisher) PublishDevice(dev Device) error {
	view := NewView(dev, p.step(dev.State.ID))
	payload, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	topic := p.topics.DeviceState(view.FamilyID, view.DeviceID)
	return p.bus.Publish(topic, payload, p.qos, true)
}

func (p *Publisher) handleSet(topic string, payload []byte) error {
	_, deviceID, ok := p.topics.ParseDeviceSet(topic)
	if !ok {
		return fmt.Errorf("unexpected set topic %q", topic)
	}

	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("decode set request on %s: %w", topic, err)
	}

	p.mu.Lock()
	ctx := p.ctx
	p.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	// Apply blocks through the settle delay; keep the MQTT handler free.
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		id := aircloud.ID(deviceID)
		if _, err := p.commander.Apply(ctx, id, req); err != nil {
			level := p.logger.Warn
			if errors.Is(err, ErrReadOnly) {
				level = p.logger.Info
			}
			level("Set request failed",
				zap.String("device_id", deviceID),
				zap.Error(err))
		}
	}()
	return nil
}
