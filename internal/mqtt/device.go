package mqtt

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/gabrielbergel/MQTT-test/internal/buildinfo"
)

// DeviceInfo holds the Home Assistant device registry fields shared
// across all discovery payloads, so HA groups every entity of the space
// under one device page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// SensorConfig is the JSON payload for an HA MQTT sensor discovery
// message. It is published (retained) to the discovery topic on every
// broker (re-)connect.
type SensorConfig struct {
	Name                string     `json:"name"`
	ObjectID            string     `json:"object_id,omitempty"`
	HasEntityName       bool       `json:"has_entity_name,omitempty"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic"`
	AvailabilityTopic   string     `json:"availability_topic"`
	JsonAttributesTopic string     `json:"json_attributes_topic,omitempty"`
	Device              DeviceInfo `json:"device"`
	Icon                string     `json:"icon,omitempty"`
	DeviceClass         string     `json:"device_class,omitempty"`
	UnitOfMeasurement   string     `json:"unit_of_measurement,omitempty"`
	StateClass          string     `json:"state_class,omitempty"`
	ValueTemplate       string     `json:"value_template,omitempty"`
	EntityCategory      string     `json:"entity_category,omitempty"`
}

// NewDeviceInfo creates the device block for a space. The node ID is
// derived from the space ID, so HA keeps entity history across restarts
// without any local state.
func NewDeviceInfo(nodeID, spaceName string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{nodeID},
		Name:         spaceName,
		Manufacturer: "vaga",
		Model:        "Parking space monitor",
		SWVersion:    buildinfo.Version,
	}
}

// NodeSlug lowercases a space ID and replaces anything outside
// [a-z0-9] with underscores, giving a string safe for topic levels and
// HA object IDs. "Vaga 01" becomes "vaga_01".
func NodeSlug(spaceID string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(spaceID) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// NewClientID returns a broker client ID unique to this process:
// "vaga-<slug>-<8 hex>". Two monitors configured with the same space ID
// therefore never kick each other off the broker.
func NewClientID(spaceID string) string {
	return fmt.Sprintf("vaga-%s-%s", NodeSlug(spaceID), uuid.NewString()[:8])
}
