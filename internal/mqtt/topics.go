package mqtt

import (
	"fmt"
	"strings"
)

// Topics builds the bridge topic hierarchy under a prefix:
//
//	<prefix>/status
//	<prefix>/<family>/<device>/state
//	<prefix>/<family>/<device>/set
type Topics struct {
	Prefix string
}

// Status is the retained availability topic, also used as the LWT topic.
func (t Topics) Status() string {
	return fmt.Sprintf("%s/status", t.Prefix)
}

// DeviceState returns the retained state topic of a device.
func (t Topics) DeviceState(familyID, deviceID string) string {
	return fmt.Sprintf("%s/%s/%s/state", t.Prefix, familyID, deviceID)
}

// DeviceSet returns the command topic of a device.
func (t Topics) DeviceSet(familyID, deviceID string) string {
	return fmt.Sprintf("%s/%s/%s/set", t.Prefix, familyID, deviceID)
}

// AllDeviceSets matches the command topic of every device.
func (t Topics) AllDeviceSets() string {
	return fmt.Sprintf("%s/+/+/set", t.Prefix)
}

// ParseDeviceSet extracts the family and device ids from a command topic.
func (t Topics) ParseDeviceSet(topic string) (familyID, deviceID string, ok bool) {
	rest, found := strings.CutPrefix(topic, t.Prefix+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "set" || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
