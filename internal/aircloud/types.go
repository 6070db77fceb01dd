package aircloud

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// NoHumidity is the value the vendor reports for units without a humidity sensor.
const NoHumidity = 2147483647

// ID is a vendor identifier. The API returns device and family ids as JSON
// numbers or strings depending on the endpoint, so both are accepted.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid id %s: %w", string(data), err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string {
	return string(id)
}

// Power is the vendor power state.
type Power string

const (
	PowerOn  Power = "ON"
	PowerOff Power = "OFF"
)

// Mode is the vendor operating mode. Units may report values outside the
// constants below; they are passed through untouched.
type Mode string

const (
	ModeCooling Mode = "COOLING"
	ModeHeating Mode = "HEATING"
	ModeDry     Mode = "DRY"
	ModeFan     Mode = "FAN"
	ModeAuto    Mode = "AUTO"
)

// FanSpeed is the vendor fan level.
type FanSpeed string

const (
	FanSpeedAuto FanSpeed = "AUTO"
	FanSpeedLV1  FanSpeed = "LV1"
	FanSpeedLV2  FanSpeed = "LV2"
	FanSpeedLV3  FanSpeed = "LV3"
	FanSpeedLV4  FanSpeed = "LV4"
	FanSpeedLV5  FanSpeed = "LV5"
)

// FanSwing is the vendor louver swing direction.
type FanSwing string

const (
	FanSwingOff        FanSwing = "OFF"
	FanSwingVertical   FanSwing = "VERTICAL"
	FanSwingHorizontal FanSwing = "HORIZONTAL"
	FanSwingBoth       FanSwing = "BOTH"
)

// DeviceState is one indoor unit as reported by the notification channel.
type DeviceState struct {
	ID                ID       `json:"id"`
	VendorThingID     string   `json:"vendorThingId,omitempty"`
	Name              string   `json:"name,omitempty"`
	Power             Power    `json:"power,omitempty"`
	Mode              Mode     `json:"mode,omitempty"`
	FanSpeed          FanSpeed `json:"fanSpeed,omitempty"`
	FanSwing          FanSwing `json:"fanSwing,omitempty"`
	RoomTemperature   *float64 `json:"roomTemperature,omitempty"`
	TargetTemperature *float64 `json:"iduTemperature,omitempty"`
	Humidity          *int     `json:"humidity,omitempty"`
}

// HasHumidity reports whether the unit returned a real humidity reading.
func (s DeviceState) HasHumidity() bool {
	return s.Humidity != nil && *s.Humidity != NoHumidity
}
