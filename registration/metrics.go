package registration

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the registration service.
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	SamplesConsumed  *prometheus.CounterVec
	Rebaselines      *prometheus.CounterVec
	Alignments       *prometheus.CounterVec
	AlignmentFRE     prometheus.Gauge
	Intersections    *prometheus.CounterVec
	IntersectionErr  prometheus.Gauge
	ConditionNumber  prometheus.Gauge
	DecodeFailures   prometheus.Counter
	PublishedUpdates prometheus.Counter
}

// NewMetrics registers all registration metrics with reg.
// Pass prometheus.DefaultRegisterer in the service and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SamplesConsumed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "navreg_pose_samples_consumed_total",
			Help: "Pose samples consumed by a running registration session",
		}, []string{"method"}),
		Rebaselines: f.NewCounterVec(prometheus.CounterOpts{
			Name: "navreg_rebaselines_total",
			Help: "Sessions forced back to baseline capture by a singular pose",
		}, []string{"method"}),
		Alignments: f.NewCounterVec(prometheus.CounterOpts{
			Name: "navreg_landmark_alignments_total",
			Help: "Landmark alignments computed, by quality",
		}, []string{"quality"}),
		AlignmentFRE: f.NewGauge(prometheus.GaugeOpts{
			Name: "navreg_landmark_fre_meters",
			Help: "Fiducial registration error of the last landmark alignment",
		}),
		Intersections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "navreg_line_intersections_total",
			Help: "Line intersection solves, by outcome",
		}, []string{"outcome"}),
		IntersectionErr: f.NewGauge(prometheus.GaugeOpts{
			Name: "navreg_line_intersection_error_meters",
			Help: "Mean point-to-line distance of the last line intersection",
		}),
		ConditionNumber: f.NewGauge(prometheus.GaugeOpts{
			Name: "navreg_line_intersection_condition_number",
			Help: "Condition number of the last line intersection normal equations",
		}),
		DecodeFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "navreg_pose_decode_failures_total",
			Help: "Pose messages that could not be decoded",
		}),
		PublishedUpdates: f.NewCounter(prometheus.CounterOpts{
			Name: "navreg_published_updates_total",
			Help: "Registration updates published to MQTT",
		}),
	}
}

// ObserveSample records a consumed pose sample
func (m *Metrics) ObserveSample(kind MethodKind) {
	if m == nil {
		return
	}
	m.SamplesConsumed.WithLabelValues(string(kind)).Inc()
}

// ObserveRebaseline records a forced re-baseline
func (m *Metrics) ObserveRebaseline(kind MethodKind) {
	if m == nil {
		return
	}
	m.Rebaselines.WithLabelValues(string(kind)).Inc()
}

// ObserveAlignment records a landmark alignment result
func (m *Metrics) ObserveAlignment(a Alignment) {
	if m == nil {
		return
	}
	m.Alignments.WithLabelValues(string(a.Quality)).Inc()
	m.AlignmentFRE.Set(a.FRE)
}

// ObserveIntersection records a line intersection outcome
func (m *Metrics) ObserveIntersection(res IntersectionResult, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	m.Intersections.WithLabelValues(outcome).Inc()
	m.ConditionNumber.Set(res.ConditionNumber)
	if err == nil {
		m.IntersectionErr.Set(res.Error)
	}
}

// ObserveDecodeFailure records an undecodable pose message
func (m *Metrics) ObserveDecodeFailure() {
	if m == nil {
		return
	}
	m.DecodeFailures.Inc()
}

// ObservePublished records a published registration update
func (m *Metrics) ObservePublished() {
	if m == nil {
		return
	}
	m.PublishedUpdates.Inc()
}
