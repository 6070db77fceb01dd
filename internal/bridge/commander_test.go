package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"aircloud/internal/aircloud"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type commanderFixture struct {
	svc       *aircloud.MockService
	store     *Store
	poller    *Poller
	commander *Commander
}

func newCommanderFixture(t *testing.T, cfg CommanderConfig) *commanderFixture {
	t.Helper()
	svc := aircloud.NewMockService()
	svc.SetFamilies([]aircloud.ID{"55"}, nil)
	svc.SetStates("55", []aircloud.DeviceState{livingRoom()})

	poller, store, clk := newTestPoller(svc)
	require.NoError(t, poller.PollOnce(context.Background()))

	return &commanderFixture{
		svc:       svc,
		store:     store,
		poller:    poller,
		commander: NewCommander(svc, store, poller, cfg, clk, zap.NewNop()),
	}
}

func TestCommander_Build(t *testing.T) {
	c := NewCommander(nil, nil, nil, CommanderConfig{
		Step: func(aircloud.ID) float64 { return 0.5 },
	}, nil, zap.NewNop())
	dev := Device{FamilyID: "55", State: livingRoom()}

	t.Run("off keeps the current mode", func(t *testing.T) {
		cmd, err := c.Build(dev, Request{HVACMode: strPtr("off")})
		require.NoError(t, err)
		assert.Equal(t, aircloud.PowerOff, cmd.Power)
		assert.Equal(t, aircloud.ModeCooling, cmd.Mode)
		assert.Nil(t, cmd.TargetTemperature)
		assert.Equal(t, aircloud.ID("101"), cmd.ID)
		assert.Equal(t, aircloud.ID("55"), cmd.FamilyID)
	})

	t.Run("modes power the unit on", func(t *testing.T) {
		tests := []struct {
			hvac string
			want aircloud.Mode
		}{
			{"cool", aircloud.ModeCooling},
			{"dry", aircloud.ModeDry},
			{"fan_only", aircloud.ModeFan},
			{"auto", aircloud.ModeAuto},
		}
		off := dev
		off.State.Power = aircloud.PowerOff
		for _, tt := range tests {
			cmd, err := c.Build(off, Request{HVACMode: strPtr(tt.hvac)})
			require.NoError(t, err, tt.hvac)
			assert.Equal(t, aircloud.PowerOn, cmd.Power, tt.hvac)
			assert.Equal(t, tt.want, cmd.Mode, tt.hvac)
		}
	})

	t.Run("heat is not supported", func(t *testing.T) {
		_, err := c.Build(dev, Request{HVACMode: strPtr("heat")})
		assert.ErrorIs(t, err, ErrUnsupportedMode)

		_, err = c.Build(dev, Request{HVACMode: strPtr("turbo")})
		assert.ErrorIs(t, err, ErrUnsupportedMode)
	})

	t.Run("fan and swing mapping", func(t *testing.T) {
		tests := []struct {
			fan, swing string
			speed      aircloud.FanSpeed
			dir        aircloud.FanSwing
		}{
			{"auto", "off", aircloud.FanSpeedAuto, aircloud.FanSwingOff},
			{"low", "vertical", aircloud.FanSpeedLV1, aircloud.FanSwingVertical},
			{"medium", "horizontal", aircloud.FanSpeedLV2, aircloud.FanSwingHorizontal},
			{"middle", "both", aircloud.FanSpeedLV3, aircloud.FanSwingBoth},
			{"high", "diagonal", aircloud.FanSpeedLV4, aircloud.FanSwingOff},
			{"turbo", "", aircloud.FanSpeedAuto, aircloud.FanSwingOff},
		}
		for _, tt := range tests {
			cmd, err := c.Build(dev, Request{FanMode: strPtr(tt.fan), SwingMode: strPtr(tt.swing)})
			require.NoError(t, err)
			assert.Equal(t, tt.speed, cmd.FanSpeed, tt.fan)
			assert.Equal(t, tt.dir, cmd.FanSwing, tt.swing)
		}
	})

	t.Run("cooling sends current target", func(t *testing.T) {
		cmd, err := c.Build(dev, Request{FanMode: strPtr("high")})
		require.NoError(t, err)
		require.NotNil(t, cmd.TargetTemperature)
		assert.Equal(t, 22.0, *cmd.TargetTemperature)
	})

	t.Run("temperature is rounded to step and clamped", func(t *testing.T) {
		cmd, err := c.Build(dev, Request{Temperature: floatPtr(23.3)})
		require.NoError(t, err)
		assert.Equal(t, 23.5, *cmd.TargetTemperature)

		cmd, err = c.Build(dev, Request{Temperature: floatPtr(40)})
		require.NoError(t, err)
		assert.Equal(t, aircloud.MaxTemperature, *cmd.TargetTemperature)

		cmd, err = c.Build(dev, Request{Temperature: floatPtr(5)})
		require.NoError(t, err)
		assert.Equal(t, aircloud.MinTemperature, *cmd.TargetTemperature)
	})

	t.Run("temperature outside cooling is refused", func(t *testing.T) {
		dry := dev
		dry.State.Mode = aircloud.ModeDry
		_, err := c.Build(dry, Request{Temperature: floatPtr(22)})
		assert.ErrorIs(t, err, ErrTemperatureState)

		_, err = c.Build(dev, Request{HVACMode: strPtr("off"), Temperature: floatPtr(22)})
		assert.ErrorIs(t, err, ErrTemperatureState)
	})

	t.Run("missing target falls back", func(t *testing.T) {
		bare := Device{FamilyID: "55", State: aircloud.DeviceState{ID: "9"}}
		cmd, err := c.Build(bare, Request{HVACMode: strPtr("cool")})
		require.NoError(t, err)
		assert.Equal(t, aircloud.FanSpeedAuto, cmd.FanSpeed)
		assert.Equal(t, aircloud.FanSwingOff, cmd.FanSwing)
		require.NotNil(t, cmd.TargetTemperature)
		assert.Equal(t, DefaultTargetTemperature, *cmd.TargetTemperature)
	})
}

func TestCommander_Apply(t *testing.T) {
	ctx := context.Background()

	t.Run("executes and re-polls", func(t *testing.T) {
		f := newCommanderFixture(t, CommanderConfig{})
		f.svc.OnCommand(func(cmd aircloud.Command) {
			updated := livingRoom()
			updated.Power = cmd.Power
			f.svc.SetStates("55", []aircloud.DeviceState{updated})
		})

		outcome, err := f.commander.Apply(ctx, "101", Request{HVACMode: strPtr("off")})
		require.NoError(t, err)
		assert.Equal(t, 200, outcome.Result.StatusCode)

		commands := f.svc.Commands()
		require.Len(t, commands, 1)
		assert.Equal(t, aircloud.PowerOff, commands[0].Command.Power)
		assert.Equal(t, aircloud.ModeCooling, commands[0].Command.Mode)

		dev, _ := f.store.Get("101")
		assert.Equal(t, aircloud.PowerOff, dev.State.Power)
		assert.False(t, f.store.IsLocked("101"))
		assert.Equal(t, 2, f.svc.Fetches("55"))
	})

	t.Run("read-only", func(t *testing.T) {
		f := newCommanderFixture(t, CommanderConfig{ReadOnly: true})
		_, err := f.commander.Apply(ctx, "101", Request{HVACMode: strPtr("off")})
		assert.ErrorIs(t, err, ErrReadOnly)
		assert.Empty(t, f.svc.Commands())
	})

	t.Run("empty request", func(t *testing.T) {
		f := newCommanderFixture(t, CommanderConfig{})
		_, err := f.commander.Apply(ctx, "101", Request{})
		assert.ErrorIs(t, err, ErrEmptyRequest)
	})

	t.Run("unknown device", func(t *testing.T) {
		f := newCommanderFixture(t, CommanderConfig{})
		_, err := f.commander.Apply(ctx, "999", Request{HVACMode: strPtr("off")})
		assert.ErrorIs(t, err, ErrUnknownDevice)
	})

	t.Run("pending device", func(t *testing.T) {
		f := newCommanderFixture(t, CommanderConfig{})
		require.True(t, f.store.Lock("101"))
		_, err := f.commander.Apply(ctx, "101", Request{HVACMode: strPtr("off")})
		assert.ErrorIs(t, err, ErrCommandPending)
		assert.Empty(t, f.svc.Commands())
	})

	t.Run("vendor rejection", func(t *testing.T) {
		f := newCommanderFixture(t, CommanderConfig{})
		f.svc.SetCommandResult(aircloud.CommandResult{StatusCode: 400, Body: "bad"})

		outcome, err := f.commander.Apply(ctx, "101", Request{FanMode: strPtr("low")})
		assert.ErrorIs(t, err, ErrCommandRejected)
		assert.Equal(t, 400, outcome.Result.StatusCode)
		assert.False(t, f.store.IsLocked("101"))
	})

	t.Run("device stays locked while settling", func(t *testing.T) {
		f := newCommanderFixture(t, CommanderConfig{Settle: 2 * time.Second})
		clk := f.commander.clock.(interface{ Advance(time.Duration) })

		done := make(chan error, 1)
		go func() {
			_, err := f.commander.Apply(ctx, "101", Request{SwingMode: strPtr("both")})
			done <- err
		}()

		assert.Eventually(t, func() bool { return len(f.svc.Commands()) == 1 }, time.Second, 5*time.Millisecond)
		assert.True(t, f.store.IsLocked("101"))

		off := livingRoom()
		off.Power = aircloud.PowerOff
		assert.Equal(t, 0, f.store.Update("55", []aircloud.DeviceState{off}), "poll results are ignored while pending")

		assert.Eventually(t, func() bool {
			clk.Advance(time.Second)
			select {
			case err := <-done:
				assert.NoError(t, err)
				return true
			default:
				return false
			}
		}, 2*time.Second, 10*time.Millisecond)
		assert.False(t, f.store.IsLocked("101"))
	})
}

// gatedService blocks the next fetch or command once a gate is armed.
type gatedService struct {
	*aircloud.MockService

	mu            sync.Mutex
	fetchGate     chan struct{}
	commandGate   chan struct{}
	fetchParked   chan struct{}
	commandParked chan struct{}
}

func newGatedService() *gatedService {
	return &gatedService{
		MockService:   aircloud.NewMockService(),
		fetchParked:   make(chan struct{}, 1),
		commandParked: make(chan struct{}, 1),
	}
}

func (g *gatedService) holdNextFetch() chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fetchGate = make(chan struct{})
	return g.fetchGate
}

func (g *gatedService) holdNextCommand() chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.commandGate = make(chan struct{})
	return g.commandGate
}

func (g *gatedService) LoadClimateData(ctx context.Context, familyID aircloud.ID) ([]aircloud.DeviceState, error) {
	g.mu.Lock()
	gate := g.fetchGate
	g.fetchGate = nil
	g.mu.Unlock()
	if gate != nil {
		g.fetchParked <- struct{}{}
		<-gate
	}
	return g.MockService.LoadClimateData(ctx, familyID)
}

func (g *gatedService) ExecuteCommand(ctx context.Context, cmd aircloud.Command) (aircloud.CommandResult, error) {
	g.mu.Lock()
	gate := g.commandGate
	g.commandGate = nil
	g.mu.Unlock()
	if gate != nil {
		g.commandParked <- struct{}{}
		<-gate
	}
	return g.MockService.ExecuteCommand(ctx, cmd)
}

func TestCommander_ApplyKeepsLockOfFollowingCommand(t *testing.T) {
	ctx := context.Background()
	svc := newGatedService()
	svc.SetFamilies([]aircloud.ID{"55"}, nil)
	svc.SetStates("55", []aircloud.DeviceState{livingRoom()})

	poller, store, clk := newTestPoller(svc)
	require.NoError(t, poller.PollOnce(ctx))
	commander := NewCommander(svc, store, poller, CommanderConfig{}, clk, zap.NewNop())

	// First command parks in its re-poll, after it released the device.
	releaseFetch := svc.holdNextFetch()
	firstDone := make(chan error, 1)
	go func() {
		_, err := commander.Apply(ctx, "101", Request{FanMode: strPtr("low")})
		firstDone <- err
	}()
	<-svc.fetchParked
	assert.False(t, store.IsLocked("101"))

	// Second command takes the lock and parks in the vendor call.
	releaseCommand := svc.holdNextCommand()
	secondDone := make(chan error, 1)
	go func() {
		_, err := commander.Apply(ctx, "101", Request{FanMode: strPtr("high")})
		secondDone <- err
	}()
	<-svc.commandParked
	assert.True(t, store.IsLocked("101"))

	close(releaseFetch)
	require.NoError(t, <-firstDone)
	assert.True(t, store.IsLocked("101"), "first command must not release the second command's lock")

	off := livingRoom()
	off.Power = aircloud.PowerOff
	assert.Equal(t, 0, store.Update("55", []aircloud.DeviceState{off}))

	close(releaseCommand)
	require.NoError(t, <-secondDone)
	assert.False(t, store.IsLocked("101"))
	assert.Len(t, svc.Commands(), 2)
}
