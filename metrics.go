package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricNameBuildInfo    = "stratasys_bridge_build_info"
	MetricNamePrinterUp    = "stratasys_printer_up"
	MetricNamePolls        = "stratasys_polls_total"
	MetricNamePollErrors   = "stratasys_poll_errors_total"
	MetricNamePollDuration = "stratasys_poll_duration_seconds"
	MetricNameSensorValue  = "stratasys_sensor_value"

	MetricLabelVersion   = "version"
	MetricLabelRevision  = "revision"
	MetricLabelResult    = "result"
	MetricLabelErrorType = "error_type"
	MetricLabelSensor    = "sensor"
	MetricLabelUnit      = "unit"
)

var (
	MetricBuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: MetricNameBuildInfo,
			Help: "Build information of the bridge",
		},
		[]string{MetricLabelVersion, MetricLabelRevision},
	)

	MetricPrinterUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: MetricNamePrinterUp,
			Help: "Whether the last poll of the printer succeeded",
		},
	)

	MetricPolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNamePolls,
			Help: "Number of printer polls by result",
		},
		[]string{MetricLabelResult},
	)

	MetricPollErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNamePollErrors,
			Help: "Number of failed printer polls by error type",
		},
		[]string{MetricLabelErrorType},
	)

	MetricPollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    MetricNamePollDuration,
			Help:    "Duration of printer polls including retries",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)

	MetricSensorValue = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: MetricNameSensorValue,
			Help: "Numeric sensor values from the last poll",
		},
		[]string{MetricLabelSensor, MetricLabelUnit},
	)
)

// RecordSensors exports numeric sensor values. Sensors without a value are
// removed so that stale readings do not linger after a failed poll.
func RecordSensors(sensors []Sensor, snap Snapshot) {
	for _, s := range sensors {
		labels := prometheus.Labels{MetricLabelSensor: s.ObjectID(), MetricLabelUnit: s.Unit}

		switch v := s.Value(snap).(type) {
		case int64:
			MetricSensorValue.With(labels).Set(float64(v))
		case float64:
			MetricSensorValue.With(labels).Set(v)
		case bool:
			if v {
				MetricSensorValue.With(labels).Set(1)
			} else {
				MetricSensorValue.With(labels).Set(0)
			}
		default:
			MetricSensorValue.Delete(labels)
		}
	}
}
