package aircloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

const controlPath = "rac/basic-idu-control/general-control-command"

// OffFallbackTemperature is sent with OFF commands that carry no temperature;
// the control endpoint rejects any command without one.
const OffFallbackTemperature = 24

// Command is the desired state of one indoor unit.
type Command struct {
	ID                ID
	FamilyID          ID
	Power             Power
	TargetTemperature *float64
	Mode              Mode
	FanSpeed          FanSpeed
	FanSwing          FanSwing
	Humidity          *int
}

// CommandPayload is the body of the control PUT.
type CommandPayload struct {
	Power          Power    `json:"power"`
	Mode           Mode     `json:"mode"`
	FanSpeed       FanSpeed `json:"fanSpeed"`
	FanSwing       FanSwing `json:"fanSwing"`
	AdjustSwing    int      `json:"adjustSwing"`
	IduTemperature *int     `json:"iduTemperature,omitempty"`
	Humidity       *int     `json:"humidity,omitempty"`
}

// CommandResult reports what the control endpoint answered. The vendor API
// is unreliable, so a rejection is reported here rather than as an error and
// callers are expected to re-poll state to see the effect.
type CommandResult struct {
	StatusCode int
	Body       string
	Skipped    bool
}

// Rejected reports whether the endpoint answered with a non-2xx status.
func (r CommandResult) Rejected() bool {
	return !r.Skipped && (r.StatusCode < 200 || r.StatusCode >= 300)
}

// AdjustSwing encodes a swing direction as the integer the control endpoint
// requires on every request. Unknown or empty values map to 0.
func AdjustSwing(swing FanSwing) int {
	switch FanSwing(strings.ToUpper(string(swing))) {
	case FanSwingVertical:
		return 1
	case FanSwingHorizontal:
		return 2
	case FanSwingBoth:
		return 3
	default:
		return 0
	}
}

// BuildPayload normalises a command into what the control endpoint accepts.
func BuildPayload(cmd Command) CommandPayload {
	payload := CommandPayload{
		Power:       cmd.Power,
		Mode:        cmd.Mode,
		FanSpeed:    cmd.FanSpeed,
		FanSwing:    cmd.FanSwing,
		AdjustSwing: AdjustSwing(cmd.FanSwing),
		Humidity:    cmd.Humidity,
	}

	switch {
	case cmd.TargetTemperature != nil:
		t := int(math.Trunc(*cmd.TargetTemperature))
		payload.IduTemperature = &t
	case strings.EqualFold(string(cmd.Power), string(PowerOff)):
		t := OffFallbackTemperature
		payload.IduTemperature = &t
	}

	return payload
}

// ExecuteCommand sends cmd to the control endpoint.
func (c *Client) ExecuteCommand(ctx context.Context, cmd Command) (CommandResult, error) {
	if c.IsClosed() {
		return CommandResult{Skipped: true}, nil
	}

	if err := c.tokens.EnsureFresh(ctx, false); err != nil {
		return CommandResult{}, err
	}

	payload := BuildPayload(cmd)
	body, err := json.Marshal(payload)
	if err != nil {
		return CommandResult{}, fmt.Errorf("encode command: %w", err)
	}

	endpoint := fmt.Sprintf("%s%s/%s?familyId=%s", c.endpoints.API, controlPath,
		url.PathEscape(cmd.ID.String()), url.QueryEscape(cmd.FamilyID.String()))

	c.logger.Info("Sending AirCloud command",
		zap.String("device_id", cmd.ID.String()),
		zap.String("family_id", cmd.FamilyID.String()),
		zap.ByteString("payload", body))

	resp, err := c.do(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		commandsSent.WithLabelValues("error").Inc()
		return CommandResult{}, fmt.Errorf("send command: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	result := CommandResult{
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(respBody)),
	}
	commandsSent.WithLabelValues(fmt.Sprintf("%dxx", resp.StatusCode/100)).Inc()

	if result.Rejected() {
		c.logger.Warn("AirCloud command rejected",
			zap.String("device_id", cmd.ID.String()),
			zap.Int("status", result.StatusCode),
			zap.String("body", result.Body))
		return result, nil
	}

	c.logger.Info("AirCloud command accepted",
		zap.String("device_id", cmd.ID.String()),
		zap.Int("status", result.StatusCode),
		zap.String("body", result.Body))
	return result, nil
}
