package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"stratasysbridge/internal/printer"
	"stratasysbridge/internal/printer/printertest"
)

func sampleSnapshot() Snapshot {
	return Snapshot{Online: true, Status: printer.ParseTCL(printertest.SampleStatus)}
}

func TestSensors_SampleStatus(t *testing.T) {
	t.Parallel()

	doc := StateDocument(Sensors(), sampleSnapshot())

	require.Equal(t, map[string]any{
		"printer_online":               PayloadOn,
		"printer_online_status":        "online",
		"printer_status":               "building",
		"build_head_temperature":       320.5,
		"support_head_temperature":     int64(315),
		"chamber_temperature":          95.2,
		"current_layer":                int64(150),
		"total_layers":                 int64(600),
		"job_progress":                 25.0,
		"door_open":                    PayloadOff,
		"lights_on":                    PayloadOn,
		"elapsed_build_time":           "02:03",
		"estimated_build_time":         "08:20",
		"build_time":                   "02:03",
		"run_time_odometer":            "1000:00",
		"build_time_odometer":          "500:00",
		"start_time":                   "2023-11-14T22:13:20Z",
		"part_current_temperature":     320.5,
		"support_current_temperature":  int64(315),
		"envelope_current_temperature": int64(95),
		"part_set_temperature":         int64(320),
		"support_set_temperature":      int64(315),
		"envelope_set_temperature":     int64(95),
		"current_job_name":             "bracket_v2",
		"job_completion_status":        "inProgress",
		"part_material_name":           "ABS-M30",
		"support_material_name":        "SR-30",
		"part_material_consumed":       42.7,
		"support_material_consumed":    12.1,
		"pack":                         "",
		"modeler_explanation":          "part building",
	}, doc)
}

func TestSensors_UniqueObjectIDs(t *testing.T) {
	t.Parallel()

	seen := map[string]bool{}
	for _, s := range Sensors() {
		id := s.ObjectID()
		require.False(t, seen[id], "duplicate object id %q", id)
		seen[id] = true
		require.Contains(t, []string{ComponentSensor, ComponentBinarySensor}, s.Component)
		require.NotNil(t, s.Value, s.Name)
	}
}

func TestSensors_MissingFieldsAreUnknown(t *testing.T) {
	t.Parallel()

	snap := Snapshot{Online: true, Status: printer.ParseTCL(`set machineStatus(general) {
  -modelerType uPrint
}`)}

	doc := StateDocument(Sensors(), snap)
	require.Equal(t, "Unknown", doc["printer_status"])
	require.Equal(t, "online", doc["printer_online_status"])
	require.Nil(t, doc["chamber_temperature"])
	require.Nil(t, doc["door_open"])
	require.Nil(t, doc["job_progress"])
	require.Nil(t, doc["elapsed_build_time"])
	require.Nil(t, doc["start_time"])
	require.Nil(t, doc["modeler_explanation"])
}

func TestSensors_BracedTextIsJoined(t *testing.T) {
	t.Parallel()

	snap := Snapshot{Online: true, Status: printer.ParseTCL(`set machineStatus(currentJob) {
  -jobName {Bracket Rev B}
  -completionStatus {in progress}
  -partMatlName {ABS M30}
  -supportMatlName {SR 30}
  -pack {pack one}
}`)}

	doc := StateDocument(Sensors(), snap)
	require.Equal(t, "Bracket Rev B", doc["current_job_name"])
	require.Equal(t, "in progress", doc["job_completion_status"])
	require.Equal(t, "ABS M30", doc["part_material_name"])
	require.Equal(t, "SR 30", doc["support_material_name"])
	require.Equal(t, "pack one", doc["pack"])
}

func TestSensors_NegativeDurationIsUnknown(t *testing.T) {
	t.Parallel()

	snap := Snapshot{Online: true, Status: printer.ParseTCL(`set machineStatus(general) {
  -elapsedBuildTime -90
}
set machineStatus(currentJob) {
  -buildTime 0
}`)}

	doc := StateDocument(Sensors(), snap)
	require.Nil(t, doc["elapsed_build_time"])
	require.Equal(t, "00:00", doc["build_time"])
}

func TestSensors_Offline(t *testing.T) {
	t.Parallel()

	snap := Snapshot{Failures: 2}
	doc := StateDocument(Sensors(), snap)

	require.Equal(t, PayloadOn, doc["printer_online"])
	require.Equal(t, "offline", doc["printer_online_status"])
	require.Nil(t, doc["printer_status"])
	require.Nil(t, doc["current_job_name"])

	snap.Failures = MaxFailures
	doc = StateDocument(Sensors(), snap)
	require.Equal(t, PayloadOff, doc["printer_online"])
}

func TestSnapshot_Progress(t *testing.T) {
	t.Parallel()

	progress := func(body string) (float64, bool) {
		return Snapshot{Online: true, Status: printer.ParseTCL("set machineStatus(currentJob) {\n" + body + "\n}")}.Progress()
	}

	p, ok := progress("-currentLayer 1\n-totalLayers 3")
	require.True(t, ok)
	require.Equal(t, 33.3, p)

	p, ok = progress("-currentLayer 700\n-totalLayers 600")
	require.True(t, ok)
	require.Equal(t, 100.0, p)

	p, ok = progress("-currentLayer -5\n-totalLayers 600")
	require.True(t, ok)
	require.Equal(t, 0.0, p)

	_, ok = progress("-currentLayer 5\n-totalLayers 0")
	require.False(t, ok)

	_, ok = progress("-totalLayers 600")
	require.False(t, ok)

	_, ok = Snapshot{}.Progress()
	require.False(t, ok)
}

func TestSnapshot_Model(t *testing.T) {
	t.Parallel()

	require.Equal(t, "fortus450", sampleSnapshot().Model())
	require.Equal(t, UnknownModel, Snapshot{}.Model())
}

func TestFormatHHMM(t *testing.T) {
	t.Parallel()

	require.Equal(t, "00:00", formatHHMM(0))
	require.Equal(t, "00:00", formatHHMM(59))
	require.Equal(t, "00:01", formatHHMM(60))
	require.Equal(t, "01:00", formatHHMM(3600))
	require.Equal(t, "02:03", formatHHMM(7399))
	require.Equal(t, "100:00", formatHHMM(360000))
}

func TestSlugify(t *testing.T) {
	t.Parallel()

	require.Equal(t, "build_head_temperature", slugify("Build Head Temperature"))
	require.Equal(t, "192_168_1_50", slugify("192.168.1.50"))
	require.Equal(t, "printer", slugify("  Printer!! "))
	require.Equal(t, "a_b", slugify("a--b"))
}
