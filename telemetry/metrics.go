package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the Prometheus instruments of a perturbation run. All
// methods are safe on a nil receiver so callers can leave metrics disabled.
type Metrics struct {
	gatherer prometheus.Gatherer

	PhaseDurations *prometheus.HistogramVec
	Perturbations  prometheus.Counter
	NumericErrors  prometheus.Counter
	Step           prometheus.Gauge
	Spread         prometheus.Gauge
	IncrementStd   prometheus.Gauge
}

// NewMetrics registers the run metrics against reg, defaulting to the global
// Prometheus registry when nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "oceannoise_phase_duration_seconds",
		Help:    "Wall-clock duration of one pipeline phase for one member.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"phase"}), "oceannoise_phase_duration_seconds")
	if err != nil {
		return nil, err
	}
	perturbations, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oceannoise_perturbations_total",
		Help: "Perturbations applied to member states.",
	}), "oceannoise_perturbations_total")
	if err != nil {
		return nil, err
	}
	numericErrors, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oceannoise_numeric_errors_total",
		Help: "Generations rejected because a uniform variate was zero.",
	}), "oceannoise_numeric_errors_total")
	if err != nil {
		return nil, err
	}
	step, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "oceannoise_step",
		Help: "Last completed ensemble step.",
	}), "oceannoise_step")
	if err != nil {
		return nil, err
	}
	spread, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "oceannoise_ensemble_spread_metres",
		Help: "Across-member elevation std averaged over cells, at the last stats window.",
	}), "oceannoise_ensemble_spread_metres")
	if err != nil {
		return nil, err
	}
	incStd, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "oceannoise_increment_std_metres",
		Help: "Std of the last perturbation increment, averaged over members.",
	}), "oceannoise_increment_std_metres")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		gatherer:       gatherer,
		PhaseDurations: durations,
		Perturbations:  perturbations,
		NumericErrors:  numericErrors,
		Step:           step,
		Spread:         spread,
		IncrementStd:   incStd,
	}, nil
}

// ObservePhase records one phase duration.
func (m *Metrics) ObservePhase(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.PhaseDurations.WithLabelValues(phase).Observe(d.Seconds())
	if phase == PhaseApply {
		m.Perturbations.Inc()
	}
}

// RecordNumericError counts a rejected generation.
func (m *Metrics) RecordNumericError() {
	if m == nil {
		return
	}
	m.NumericErrors.Inc()
}

// RecordStep publishes the last completed step.
func (m *Metrics) RecordStep(step int) {
	if m == nil {
		return
	}
	m.Step.Set(float64(step))
}

// RecordWindow publishes the gauges derived from a stats window.
func (m *Metrics) RecordWindow(s WindowStats) {
	if m == nil {
		return
	}
	m.Spread.Set(s.Spread)
	m.IncrementStd.Set(s.IncStd)
}

// Handler exposes a ready-to-use /metrics handler.
func (m *Metrics) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if m != nil && m.gatherer != nil {
		gatherer = m.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
