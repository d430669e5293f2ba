package main

import (
	"math"
	"time"

	"stratasysbridge/internal/printer"
)

const (
	Manufacturer = "Stratasys"
	UnknownModel = "Unknown Model"

	// MaxFailures is the number of consecutive failed polls after which the
	// printer is reported as disconnected.
	MaxFailures = 5
)

// Snapshot is the result of a single poll. It is replaced wholesale on every
// poll; a failed poll yields a snapshot with Online unset and no Status.
type Snapshot struct {
	Online    bool
	FetchedAt time.Time
	Failures  int
	Err       error
	Status    printer.Status
}

// Connected reports the debounced connectivity state used by the online
// binary sensor.
func (s Snapshot) Connected() bool {
	return s.Failures < MaxFailures
}

func (s Snapshot) Model() string {
	if m, ok := s.Status.Section("general").String("modelerType"); ok && m != "" {
		return m
	}
	return UnknownModel
}

func (s Snapshot) field(section, key string) any {
	if !s.Online {
		return nil
	}
	v, ok := s.Status.Section(section).Value(key)
	if !ok {
		return nil
	}
	return v
}

// Progress is the job progress in percent derived from the layer counters,
// clamped to [0, 100]. ok is false when the printer does not report layers.
func (s Snapshot) Progress() (float64, bool) {
	if !s.Online {
		return 0, false
	}

	job := s.Status.Section("currentJob")
	current, ok := job.Float("currentLayer")
	if !ok {
		return 0, false
	}
	total, ok := job.Float("totalLayers")
	if !ok || total <= 0 {
		return 0, false
	}

	return clampPercent(current / total * 100), true
}

func clampPercent(p float64) float64 {
	switch {
	case math.IsNaN(p), p < 0:
		return 0
	case p > 100:
		return 100
	}
	return math.Round(p*10) / 10
}
