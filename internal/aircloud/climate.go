package aircloud

import "strings"

// HVAC modes and fan/swing names as exposed to home automation platforms.
const (
	HVACOff     = "off"
	HVACCool    = "cool"
	HVACHeat    = "heat"
	HVACDry     = "dry"
	HVACFanOnly = "fan_only"
	HVACAuto    = "auto"

	FanAuto   = "auto"
	FanLow    = "low"
	FanMedium = "medium"
	FanMiddle = "middle"
	FanHigh   = "high"

	SwingOff        = "off"
	SwingVertical   = "vertical"
	SwingHorizontal = "horizontal"
	SwingBoth       = "both"
)

// Temperature range accepted by the indoor units, in Celsius.
const (
	MinTemperature = 16.0
	MaxTemperature = 32.0
)

// HVACMode returns the platform HVAC mode for a device state. Heating is
// not offered by the units' cloud control and reads as off, like any other
// unrecognised mode.
func HVACMode(power Power, mode Mode) string {
	if power != PowerOn {
		return HVACOff
	}
	switch mode {
	case ModeCooling:
		return HVACCool
	case ModeFan:
		return HVACFanOnly
	case ModeDry:
		return HVACDry
	case ModeAuto:
		return HVACAuto
	default:
		return HVACOff
	}
}

// VendorMode maps a platform HVAC mode to the vendor mode. ok is false for
// "off" and unknown modes.
func VendorMode(hvac string) (mode Mode, ok bool) {
	switch strings.ToLower(hvac) {
	case HVACCool:
		return ModeCooling, true
	case HVACHeat:
		return ModeHeating, true
	case HVACDry:
		return ModeDry, true
	case HVACFanOnly:
		return ModeFan, true
	case HVACAuto:
		return ModeAuto, true
	default:
		return "", false
	}
}

// FanMode returns the platform fan mode for a vendor fan speed.
func FanMode(speed FanSpeed) string {
	switch speed {
	case FanSpeedLV1:
		return FanLow
	case FanSpeedLV2:
		return FanMedium
	case FanSpeedLV3:
		return FanMiddle
	case FanSpeedLV4:
		return FanHigh
	default:
		return FanAuto
	}
}

// VendorFanSpeed maps a platform fan mode to a vendor fan speed; unknown
// modes select AUTO.
func VendorFanSpeed(fan string) FanSpeed {
	switch strings.ToLower(fan) {
	case FanLow:
		return FanSpeedLV1
	case FanMedium:
		return FanSpeedLV2
	case FanMiddle:
		return FanSpeedLV3
	case FanHigh:
		return FanSpeedLV4
	default:
		return FanSpeedAuto
	}
}

// SwingMode returns the platform swing mode for a vendor swing value.
func SwingMode(swing FanSwing) string {
	switch swing {
	case FanSwingVertical:
		return SwingVertical
	case FanSwingHorizontal:
		return SwingHorizontal
	case FanSwingBoth:
		return SwingBoth
	default:
		return SwingOff
	}
}

// VendorFanSwing maps a platform swing mode to the vendor value; unknown
// modes select OFF.
func VendorFanSwing(swing string) FanSwing {
	switch strings.ToLower(swing) {
	case SwingVertical:
		return FanSwingVertical
	case SwingHorizontal:
		return FanSwingHorizontal
	case SwingBoth:
		return FanSwingBoth
	default:
		return FanSwingOff
	}
}

// ClampTemperature limits t to the supported range.
func ClampTemperature(t float64) float64 {
	if t < MinTemperature {
		return MinTemperature
	}
	if t > MaxTemperature {
		return MaxTemperature
	}
	return t
}
