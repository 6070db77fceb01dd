package bridge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"aircloud/internal/aircloud"
	"aircloud/internal/clock"

	"go.uber.org/zap"
)

// DefaultCommandSettle is how long the vendor backend needs before a command
// shows up in fetched state.
const DefaultCommandSettle = 2 * time.Second

// DefaultTargetTemperature is assumed when a device never reported one.
const DefaultTargetTemperature = 24.0

var (
	ErrReadOnly         = errors.New("bridge is read-only")
	ErrUnknownDevice    = errors.New("unknown device")
	ErrCommandPending   = errors.New("command already in flight for device")
	ErrUnsupportedMode  = errors.New("unsupported hvac mode")
	ErrEmptyRequest     = errors.New("request changes nothing")
	ErrCommandRejected  = errors.New("command rejected by vendor")
	ErrTemperatureState = errors.New("target temperature can only be set while cooling")
)

// Request is a partial change to a device. Nil fields keep the current value.
type Request struct {
	HVACMode    *string  `json:"hvac_mode,omitempty"`
	FanMode     *string  `json:"fan_mode,omitempty"`
	SwingMode   *string  `json:"swing_mode,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

func (r Request) empty() bool {
	return r.HVACMode == nil && r.FanMode == nil && r.SwingMode == nil && r.Temperature == nil
}

// Outcome describes what happened to a request
type Outcome struct {
	Command aircloud.Command       `json:"-"`
	Result  aircloud.CommandResult `json:"result"`
}

// StepFunc returns the target temperature step for a device
type StepFunc func(deviceID aircloud.ID) float64

// CommanderConfig controls command handling
type CommanderConfig struct {
	Settle   time.Duration
	Timeout  time.Duration // bounds a whole Apply call when positive
	ReadOnly bool
	Step     StepFunc
}

// Commander turns requests into vendor commands against cached state
type Commander struct {
	service aircloud.Service
	store   *Store
	poller  *Poller
	cfg     CommanderConfig
	clock   clock.Clock
	logger  *zap.Logger
}

// NewCommander creates a commander. poller may be nil, in which case the
// device is unlocked after the settle delay without a re-poll.
func NewCommander(service aircloud.Service, store *Store, poller *Poller, cfg CommanderConfig, clk clock.Clock, logger *zap.Logger) *Commander {
	if cfg.Settle < 0 {
		cfg.Settle = 0
	}
	if clk == nil {
		clk = clock.NewRealClock()
	}
	return &Commander{
		service: service,
		store:   store,
		poller:  poller,
		cfg:     cfg,
		clock:   clk,
		logger:  logger,
	}
}

// Build applies req on top of the current state of a device
func (c *Commander) Build(dev Device, req Request) (aircloud.Command, error) {
	state := dev.State
	cmd := aircloud.Command{
		ID:       state.ID,
		FamilyID: dev.FamilyID,
		Power:    state.Power,
		Mode:     state.Mode,
		FanSpeed: state.FanSpeed,
		FanSwing: state.FanSwing,
	}
	if cmd.Power == "" {
		cmd.Power = aircloud.PowerOff
	}
	if cmd.Mode == "" {
		cmd.Mode = aircloud.ModeAuto
	}
	if cmd.FanSpeed == "" {
		cmd.FanSpeed = aircloud.FanSpeedAuto
	}
	if cmd.FanSwing == "" {
		cmd.FanSwing = aircloud.FanSwingOff
	}

	if req.HVACMode != nil {
		hvac := strings.ToLower(*req.HVACMode)
		if hvac == aircloud.HVACOff {
			// Mode stays as is; the vendor has no OFF mode.
			cmd.Power = aircloud.PowerOff
		} else {
			mode, ok := aircloud.VendorMode(hvac)
			if !ok || mode == aircloud.ModeHeating {
				return aircloud.Command{}, fmt.Errorf("%w: %s", ErrUnsupportedMode, *req.HVACMode)
			}
			cmd.Power = aircloud.PowerOn
			cmd.Mode = mode
		}
	}
	if req.FanMode != nil {
		cmd.FanSpeed = aircloud.VendorFanSpeed(*req.FanMode)
	}
	if req.SwingMode != nil {
		cmd.FanSwing = aircloud.VendorFanSwing(*req.SwingMode)
	}

	cooling := cmd.Power == aircloud.PowerOn && cmd.Mode == aircloud.ModeCooling
	if req.Temperature != nil && !cooling {
		return aircloud.Command{}, ErrTemperatureState
	}
	if cooling {
		target := DefaultTargetTemperature
		if state.TargetTemperature != nil {
			target = *state.TargetTemperature
		}
		if req.Temperature != nil {
			target = c.roundToStep(state.ID, *req.Temperature)
		}
		target = aircloud.ClampTemperature(target)
		cmd.TargetTemperature = &target
	}

	return cmd, nil
}

func (c *Commander) roundToStep(id aircloud.ID, t float64) float64 {
	if c.cfg.Step == nil {
		return t
	}
	step := c.cfg.Step(id)
	if step <= 0 {
		return t
	}
	return math.Round(t/step) * step
}

// Apply sends req to a device, waits for the backend to settle and re-polls
// the device's family.
func (c *Commander) Apply(ctx context.Context, deviceID aircloud.ID, req Request) (Outcome, error) {
	if c.cfg.ReadOnly {
		c.logger.Info("Read-only mode, ignoring command", zap.String("device_id", deviceID.String()))
		return Outcome{}, ErrReadOnly
	}
	if req.empty() {
		return Outcome{}, ErrEmptyRequest
	}

	dev, ok := c.store.Get(deviceID)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}

	cmd, err := c.Build(dev, req)
	if err != nil {
		return Outcome{}, err
	}

	if !c.store.Lock(deviceID) {
		return Outcome{}, fmt.Errorf("%w: %s", ErrCommandPending, deviceID)
	}
	// Released once, after the settle delay. Another command may hold the
	// lock by the time this one returns.
	locked := true
	defer func() {
		if locked {
			c.store.Unlock(deviceID)
		}
	}()

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	c.logger.Info("Applying command",
		zap.String("device_id", deviceID.String()),
		zap.String("family_id", dev.FamilyID.String()),
		zap.String("power", string(cmd.Power)),
		zap.String("mode", string(cmd.Mode)),
		zap.String("fan_speed", string(cmd.FanSpeed)),
		zap.String("fan_swing", string(cmd.FanSwing)))

	result, err := c.service.ExecuteCommand(ctx, cmd)
	if err != nil {
		return Outcome{Command: cmd}, fmt.Errorf("execute command: %w", err)
	}
	outcome := Outcome{Command: cmd, Result: result}

	c.settle(ctx)
	c.store.Unlock(deviceID)
	locked = false

	if c.poller != nil && ctx.Err() == nil {
		if err := c.poller.PollFamily(ctx, dev.FamilyID); err != nil {
			c.logger.Warn("Re-poll after command failed",
				zap.String("family_id", dev.FamilyID.String()),
				zap.Error(err))
		}
	}

	if result.Rejected() {
		return outcome, fmt.Errorf("%w: status %d", ErrCommandRejected, result.StatusCode)
	}
	return outcome, nil
}

func (c *Commander) settle(ctx context.Context) {
	if c.cfg.Settle == 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-c.clock.After(c.cfg.Settle):
	}
}
