package bridge

import (
	"reflect"
	"sort"
	"sync"
	"time"

	"aircloud/internal/aircloud"
	"aircloud/internal/clock"

	"go.uber.org/zap"
)

// Device is the cached view of one indoor unit
type Device struct {
	FamilyID  aircloud.ID          `json:"family_id"`
	State     aircloud.DeviceState `json:"state"`
	UpdatedAt time.Time            `json:"updated_at"`
	Pending   bool                 `json:"pending"`
}

// ChangeHandler is called after a device changed. old is nil the first time
// a device is seen.
type ChangeHandler func(old, updated *Device)

// Subscription represents an active change subscription
type Subscription interface {
	Unsubscribe()
}

type subscription struct {
	id    int
	store *Store
}

func (s *subscription) Unsubscribe() {
	s.store.unsubscribe(s.id)
}

// TemperatureAdjuster returns the room temperature offset for a device
type TemperatureAdjuster func(deviceID aircloud.ID) float64

// Store caches device state between polls
type Store struct {
	logger  *zap.Logger
	clock   clock.Clock
	adjust  TemperatureAdjuster
	mu      sync.RWMutex
	devices map[aircloud.ID]*Device
	locked  map[aircloud.ID]bool
	subsMu  sync.RWMutex
	subs    map[int]ChangeHandler
	nextSub int
}

// NewStore creates an empty store. adjust may be nil.
func NewStore(adjust TemperatureAdjuster, clk clock.Clock, logger *zap.Logger) *Store {
	if adjust == nil {
		adjust = func(aircloud.ID) float64 { return 0 }
	}
	if clk == nil {
		clk = clock.NewRealClock()
	}
	return &Store{
		logger:  logger,
		clock:   clk,
		adjust:  adjust,
		devices: make(map[aircloud.ID]*Device),
		locked:  make(map[aircloud.ID]bool),
		subs:    make(map[int]ChangeHandler),
	}
}

// Update merges a family's fetched states into the cache and returns how
// many devices changed. Devices with a pending command are left alone.
func (s *Store) Update(familyID aircloud.ID, states []aircloud.DeviceState) int {
	now := s.clock.Now()

	type change struct{ old, updated *Device }
	var changes []change

	s.mu.Lock()
	for _, raw := range states {
		if raw.ID == "" {
			continue
		}
		if s.locked[raw.ID] {
			s.logger.Debug("Skipping update for device with pending command",
				zap.String("device_id", raw.ID.String()))
			continue
		}

		state := s.normalize(raw)
		existing, ok := s.devices[raw.ID]
		if ok && existing.FamilyID == familyID && reflect.DeepEqual(existing.State, state) {
			existing.UpdatedAt = now
			continue
		}

		updated := &Device{FamilyID: familyID, State: state, UpdatedAt: now}
		s.devices[raw.ID] = updated

		var old *Device
		if ok {
			prev := *existing
			old = &prev
		}
		snapshot := *updated
		changes = append(changes, change{old: old, updated: &snapshot})
	}
	s.mu.Unlock()

	for _, c := range changes {
		s.logger.Debug("Device state changed",
			zap.String("device_id", c.updated.State.ID.String()),
			zap.String("family_id", familyID.String()),
			zap.String("power", string(c.updated.State.Power)),
			zap.String("mode", string(c.updated.State.Mode)))
		s.notify(c.old, c.updated)
	}
	return len(changes)
}

// normalize applies the configured room temperature offset and drops the
// no-humidity sentinel.
func (s *Store) normalize(state aircloud.DeviceState) aircloud.DeviceState {
	if state.RoomTemperature != nil {
		room := *state.RoomTemperature + s.adjust(state.ID)
		state.RoomTemperature = &room
	}
	if state.TargetTemperature != nil {
		target := *state.TargetTemperature
		state.TargetTemperature = &target
	}
	if state.HasHumidity() {
		humidity := *state.Humidity
		state.Humidity = &humidity
	} else {
		state.Humidity = nil
	}
	return state
}

// Get returns a copy of a cached device
func (s *Store) Get(id aircloud.ID) (Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dev, ok := s.devices[id]
	if !ok {
		return Device{}, false
	}
	out := *dev
	out.Pending = s.locked[id]
	return out, true
}

// List returns all cached devices ordered by family then device id
func (s *Store) List() []Device {
	s.mu.RLock()
	out := make([]Device, 0, len(s.devices))
	for id, dev := range s.devices {
		d := *dev
		d.Pending = s.locked[id]
		out = append(out, d)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].FamilyID != out[j].FamilyID {
			return out[i].FamilyID < out[j].FamilyID
		}
		return out[i].State.ID < out[j].State.ID
	})
	return out
}

// Lock marks a device as having a command in flight. It returns false when
// the device is already locked.
func (s *Store) Lock(id aircloud.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked[id] {
		return false
	}
	s.locked[id] = true
	return true
}

// Unlock lets poll updates reach the device again
func (s *Store) Unlock(id aircloud.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locked, id)
}

// IsLocked reports whether a command is in flight for the device
func (s *Store) IsLocked(id aircloud.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.locked[id]
}

// Subscribe registers a handler for device changes
func (s *Store) Subscribe(handler ChangeHandler) Subscription {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	s.nextSub++
	s.subs[s.nextSub] = handler
	return &subscription{id: s.nextSub, store: s}
}

func (s *Store) unsubscribe(id int) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	delete(s.subs, id)
}

func (s *Store) notify(old, updated *Device) {
	s.subsMu.RLock()
	handlers := make([]ChangeHandler, 0, len(s.subs))
	for _, h := range s.subs {
		handlers = append(handlers, h)
	}
	s.subsMu.RUnlock()

	for _, h := range handlers {
		h(old, updated)
	}
}
