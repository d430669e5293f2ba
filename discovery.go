package main

import (
	"fmt"
)

const (
	AvailabilityOnline  = "online"
	AvailabilityOffline = "offline"
)

type DiscoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

type DiscoveryOrigin struct {
	Name      string `json:"name"`
	SWVersion string `json:"sw_version,omitempty"`
}

// DiscoveryMessage is a Home Assistant MQTT discovery config. Topics are
// relative to "~".
type DiscoveryMessage struct {
	Tilda             string          `json:"~"`
	Name              string          `json:"name"`
	ID                string          `json:"unique_id"`
	ObjectID          string          `json:"object_id"`
	StateTopic        string          `json:"state_topic"`
	ValueTemplate     string          `json:"value_template"`
	AvailabilityTopic string          `json:"availability_topic,omitempty"`
	Icon              string          `json:"icon,omitempty"`
	Unit              string          `json:"unit_of_measurement,omitempty"`
	DeviceClass       string          `json:"device_class,omitempty"`
	StateClass        string          `json:"state_class,omitempty"`
	PayloadOn         string          `json:"payload_on,omitempty"`
	PayloadOff        string          `json:"payload_off,omitempty"`
	Device            DiscoveryDevice `json:"device"`
	Origin            DiscoveryOrigin `json:"origin"`
}

// NumberDiscoveryMessage configures the writable scan interval entity.
type NumberDiscoveryMessage struct {
	Tilda             string          `json:"~"`
	Name              string          `json:"name"`
	ID                string          `json:"unique_id"`
	ObjectID          string          `json:"object_id"`
	StateTopic        string          `json:"state_topic"`
	CommandTopic      string          `json:"command_topic"`
	AvailabilityTopic string          `json:"availability_topic,omitempty"`
	Icon              string          `json:"icon,omitempty"`
	Unit              string          `json:"unit_of_measurement,omitempty"`
	EntityCategory    string          `json:"entity_category,omitempty"`
	Min               int             `json:"min"`
	Max               int             `json:"max"`
	Step              int             `json:"step"`
	Mode              string          `json:"mode,omitempty"`
	Device            DiscoveryDevice `json:"device"`
	Origin            DiscoveryOrigin `json:"origin"`
}

type Topics struct {
	DiscoveryPrefix string
	Base            string
	NodeID          string
}

func (t Topics) State() string {
	return t.Base + "/state"
}

func (t Topics) Availability() string {
	return t.Base + "/availability"
}

func (t Topics) SetScanInterval() string {
	return t.Base + "/set/scan_interval"
}

func (t Topics) ScanInterval() string {
	return t.Base + "/scan_interval"
}

func (t Topics) ScanIntervalDiscovery() string {
	return fmt.Sprintf("%s/number/%s/scan_interval/config", t.DiscoveryPrefix, t.NodeID)
}

func (t Topics) Discovery(s Sensor) string {
	return fmt.Sprintf("%s/%s/%s/%s/config", t.DiscoveryPrefix, s.Component, t.NodeID, s.ObjectID())
}

// DiscoveryMessages builds the discovery config for every sensor, keyed by topic.
func DiscoveryMessages(t Topics, sensors []Sensor, model, version string) map[string]DiscoveryMessage {
	device := discoveryDevice(t, model)
	origin := discoveryOrigin(version)

	msgs := make(map[string]DiscoveryMessage, len(sensors))
	for _, s := range sensors {
		m := DiscoveryMessage{
			Tilda:         t.Base,
			Name:          s.Name,
			ID:            fmt.Sprintf("%s_%s", t.NodeID, s.ObjectID()),
			ObjectID:      fmt.Sprintf("%s_%s", t.NodeID, s.ObjectID()),
			StateTopic:    "~/state",
			ValueTemplate: fmt.Sprintf("{{ value_json.%s }}", s.ObjectID()),
			Icon:          s.Icon,
			Unit:          s.Unit,
			DeviceClass:   s.DeviceClass,
			StateClass:    s.StateClass,
			Device:        device,
			Origin:        origin,
		}
		if !s.Connectivity {
			m.AvailabilityTopic = "~/availability"
		}
		if s.Component == ComponentBinarySensor {
			m.PayloadOn = PayloadOn
			m.PayloadOff = PayloadOff
		}
		msgs[t.Discovery(s)] = m
	}

	return msgs
}

func ScanIntervalDiscovery(t Topics, model, version string) NumberDiscoveryMessage {
	return NumberDiscoveryMessage{
		Tilda:          t.Base,
		Name:           "Scan Interval",
		ID:             t.NodeID + "_scan_interval",
		ObjectID:       t.NodeID + "_scan_interval",
		StateTopic:     "~/scan_interval",
		CommandTopic:   "~/set/scan_interval",
		Icon:           "mdi:timer-sync-outline",
		Unit:           "s",
		EntityCategory: "config",
		Min:            int(MinScanInterval.Seconds()),
		Max:            int(MaxScanInterval.Seconds()),
		Step:           1,
		Mode:           "box",
		Device:         discoveryDevice(t, model),
		Origin:         discoveryOrigin(version),
	}
}

func discoveryDevice(t Topics, model string) DiscoveryDevice {
	return DiscoveryDevice{
		Identifiers:  []string{t.NodeID},
		Name:         "Stratasys 3D Printer",
		Manufacturer: Manufacturer,
		Model:        model,
	}
}

func discoveryOrigin(version string) DiscoveryOrigin {
	return DiscoveryOrigin{Name: "stratasysbridge", SWVersion: version}
}
