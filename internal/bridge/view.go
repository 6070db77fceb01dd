package bridge

import (
	"time"

	"aircloud/internal/aircloud"
)

// View is a device as presented to home automation platforms
type View struct {
	DeviceID           string    `json:"device_id"`
	FamilyID           string    `json:"family_id"`
	VendorThingID      string    `json:"vendor_thing_id,omitempty"`
	Name               string    `json:"name"`
	HVACMode           string    `json:"hvac_mode"`
	FanMode            string    `json:"fan_mode"`
	SwingMode          string    `json:"swing_mode"`
	CurrentTemperature *float64  `json:"current_temperature"`
	TargetTemperature  *float64  `json:"target_temperature"`
	Humidity           *int      `json:"humidity"`
	MinTemperature     float64   `json:"min_temp"`
	MaxTemperature     float64   `json:"max_temp"`
	TemperatureStep    float64   `json:"temperature_step"`
	Pending            bool      `json:"pending"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// NewView builds the platform view of a cached device. The target
// temperature is only meaningful while cooling.
func NewView(dev Device, step float64) View {
	s := dev.State
	view := View{
		DeviceID:           s.ID.String(),
		FamilyID:           dev.FamilyID.String(),
		VendorThingID:      s.VendorThingID,
		Name:               s.Name,
		HVACMode:           aircloud.HVACMode(s.Power, s.Mode),
		FanMode:            aircloud.FanMode(s.FanSpeed),
		SwingMode:          aircloud.SwingMode(s.FanSwing),
		CurrentTemperature: s.RoomTemperature,
		Humidity:           s.Humidity,
		MinTemperature:     aircloud.MinTemperature,
		MaxTemperature:     aircloud.MaxTemperature,
		TemperatureStep:    step,
		Pending:            dev.Pending,
		UpdatedAt:          dev.UpdatedAt,
	}
	if s.Mode == aircloud.ModeCooling {
		target := DefaultTargetTemperature
		if s.TargetTemperature != nil {
			target = *s.TargetTemperature
		}
		view.TargetTemperature = &target
	}
	return view
}
