package main

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

const (
	ComponentSensor       = "sensor"
	ComponentBinarySensor = "binary_sensor"

	PayloadOn  = "ON"
	PayloadOff = "OFF"
)

// Sensor describes one exposed entity and how its value is read from a snapshot.
type Sensor struct {
	Name        string
	Component   string
	Icon        string
	Unit        string
	DeviceClass string
	StateClass  string

	// Connectivity sensors keep reporting while the printer is unreachable.
	Connectivity bool

	Value func(Snapshot) any
}

// ObjectID is the slug of the sensor name, used in topics and unique ids.
func (s Sensor) ObjectID() string {
	return slugify(s.Name)
}

// State returns the value published for the sensor. Binary sensors are
// encoded as ON/OFF, unknown values as nil.
func (s Sensor) State(snap Snapshot) any {
	v := s.Value(snap)
	if s.Component != ComponentBinarySensor {
		return v
	}

	b, ok := v.(bool)
	if !ok {
		return nil
	}
	if b {
		return PayloadOn
	}
	return PayloadOff
}

// Available reports whether the sensor has a meaningful value for snap.
func (s Sensor) Available(snap Snapshot) bool {
	return s.Connectivity || snap.Online
}

func field(section, key string) func(Snapshot) any {
	return func(s Snapshot) any {
		return s.field(section, key)
	}
}

func boolField(section, key string) func(Snapshot) any {
	return func(s Snapshot) any {
		if !s.Online {
			return nil
		}
		if b, ok := s.Status.Section(section).Bool(key); ok {
			return b
		}
		return nil
	}
}

func durationField(section, key string) func(Snapshot) any {
	return func(s Snapshot) any {
		if !s.Online {
			return nil
		}
		if secs, ok := s.Status.Section(section).Int(key); ok && secs >= 0 {
			return formatHHMM(secs)
		}
		return nil
	}
}

func textField(section, key string) func(Snapshot) any {
	return func(s Snapshot) any {
		if !s.Online {
			return nil
		}
		if v, ok := s.Status.Section(section).String(key); ok {
			return v
		}
		return nil
	}
}

// formatHHMM renders a second count as HH:MM, dropping leftover seconds.
func formatHHMM(seconds int64) string {
	minutes := seconds / 60
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

func temperature(name, section, key string) Sensor {
	return Sensor{
		Name:        name,
		Component:   ComponentSensor,
		Icon:        "mdi:thermometer",
		Unit:        "°C",
		DeviceClass: "temperature",
		StateClass:  "measurement",
		Value:       field(section, key),
	}
}

func duration(name, section, key string) Sensor {
	return Sensor{
		Name:      name,
		Component: ComponentSensor,
		Icon:      "mdi:clock-time-eight-outline",
		Value:     durationField(section, key),
	}
}

// Sensors returns the full set of entities exposed for a printer.
func Sensors() []Sensor {
	return []Sensor{
		{
			Name:         "Printer Online",
			Component:    ComponentBinarySensor,
			DeviceClass:  "connectivity",
			Connectivity: true,
			Value:        func(s Snapshot) any { return s.Connected() },
		},
		{
			Name:         "Printer Online Status",
			Component:    ComponentSensor,
			Icon:         "mdi:lan-connect",
			Connectivity: true,
			Value: func(s Snapshot) any {
				if s.Online {
					return "online"
				}
				return "offline"
			},
		},
		{
			Name:      "Printer Status",
			Component: ComponentSensor,
			Icon:      "mdi:printer-3d",
			Value: func(s Snapshot) any {
				if !s.Online {
					return nil
				}
				if v, ok := s.Status.Section("general").String("modelerStatus"); ok {
					return v
				}
				return "Unknown"
			},
		},
		temperature("Build Head Temperature", "mariner", "buildHeadTemp"),
		temperature("Support Head Temperature", "mariner", "buildSuptTemp"),
		temperature("Chamber Temperature", "mariner", "buildChamberTemp"),
		{
			Name:       "Current Layer",
			Component:  ComponentSensor,
			Icon:       "mdi:layers-triple",
			StateClass: "measurement",
			Value:      field("currentJob", "currentLayer"),
		},
		{
			Name:      "Total Layers",
			Component: ComponentSensor,
			Icon:      "mdi:layers-triple",
			Value:     field("currentJob", "totalLayers"),
		},
		{
			Name:       "Job Progress",
			Component:  ComponentSensor,
			Icon:       "mdi:progress-clock",
			Unit:       "%",
			StateClass: "measurement",
			Value: func(s Snapshot) any {
				if p, ok := s.Progress(); ok {
					return p
				}
				return nil
			},
		},
		{
			Name:        "Door Open",
			Component:   ComponentBinarySensor,
			Icon:        "mdi:door-open",
			DeviceClass: "door",
			Value:       boolField("mariner", "doorOpen"),
		},
		{
			Name:        "Lights On",
			Component:   ComponentBinarySensor,
			Icon:        "mdi:lightbulb-on",
			DeviceClass: "light",
			Value:       boolField("mariner", "lightsOn"),
		},
		duration("Elapsed Build Time", "general", "elapsedBuildTime"),
		duration("Estimated Build Time", "currentJob", "estimatedBuildTime"),
		duration("Build Time", "currentJob", "buildTime"),
		duration("Run Time Odometer", "mariner", "runTimeOdometer"),
		duration("Build Time Odometer", "mariner", "buildTimeOdometer"),
		{
			Name:        "Start Time",
			Component:   ComponentSensor,
			Icon:        "mdi:clock-start",
			DeviceClass: "timestamp",
			Value: func(s Snapshot) any {
				if !s.Online {
					return nil
				}
				secs, ok := s.Status.Section("general").Int("startTime")
				if !ok || secs <= 0 {
					return nil
				}
				return time.Unix(secs, 0).UTC().Format(time.RFC3339)
			},
		},
		temperature("Part Current Temperature", "general", "partCurrentTemp"),
		temperature("Support Current Temperature", "general", "supportCurrentTemp"),
		temperature("Envelope Current Temperature", "general", "envelopeCurrentTemp"),
		temperature("Part Set Temperature", "general", "partSetTemp"),
		temperature("Support Set Temperature", "general", "supportSetTemp"),
		temperature("Envelope Set Temperature", "general", "envelopeSetTemp"),
		{
			Name:      "Current Job Name",
			Component: ComponentSensor,
			Icon:      "mdi:format-title",
			Value:     textField("currentJob", "jobName"),
		},
		{
			Name:      "Job Completion Status",
			Component: ComponentSensor,
			Icon:      "mdi:check-decagram",
			Value:     textField("currentJob", "completionStatus"),
		},
		{
			Name:      "Part Material Name",
			Component: ComponentSensor,
			Icon:      "mdi:label",
			Value:     textField("currentJob", "partMatlName"),
		},
		{
			Name:      "Support Material Name",
			Component: ComponentSensor,
			Icon:      "mdi:label",
			Value:     textField("currentJob", "supportMatlName"),
		},
		{
			Name:       "Part Material Consumed",
			Component:  ComponentSensor,
			Icon:       "mdi:weight-gram",
			Unit:       "g",
			StateClass: "total",
			Value:      field("currentJob", "partConsumed"),
		},
		{
			Name:       "Support Material Consumed",
			Component:  ComponentSensor,
			Icon:       "mdi:weight-gram",
			Unit:       "g",
			StateClass: "total",
			Value:      field("currentJob", "supportConsumed"),
		},
		{
			Name:      "Pack",
			Component: ComponentSensor,
			Icon:      "mdi:package-variant",
			Value:     textField("currentJob", "pack"),
		},
		{
			Name:      "Modeler Explanation",
			Component: ComponentSensor,
			Icon:      "mdi:information",
			Value:     textField("general", "modelerExplanation"),
		},
	}
}

// StateDocument maps sensor object ids to their published state.
func StateDocument(sensors []Sensor, snap Snapshot) map[string]any {
	doc := make(map[string]any, len(sensors))
	for _, s := range sensors {
		doc[s.ObjectID()] = s.State(snap)
	}
	return doc
}

func slugify(s string) string {
	var b strings.Builder
	underscore := false

	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}

	return strings.TrimSuffix(b.String(), "_")
}
