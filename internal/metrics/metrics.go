// Package metrics defines the Prometheus collectors exported by the
// identification service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector. Build it once per process, or once per test
// with a fresh registry.
type Metrics struct {
	Inferences       *prometheus.CounterVec
	InferenceSeconds prometheus.Histogram
	SessionsCreated  prometheus.Counter
	SessionsClosed   *prometheus.CounterVec
	SessionsLive     prometheus.Gauge
	Evictions        *prometheus.CounterVec
	Feedback         *prometheus.CounterVec
	RetrainNeeded    prometheus.Gauge
	NewImages        prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Inferences: f.NewCounterVec(prometheus.CounterOpts{
			Name: "plantid_inferences_total",
			Help: "Classify calls by outcome.",
		}, []string{"outcome"}),
		InferenceSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "plantid_inference_duration_seconds",
			Help:    "Time spent in the classifier per call.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}),
		SessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "plantid_sessions_created_total",
			Help: "Prediction sessions created.",
		}),
		SessionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "plantid_sessions_closed_total",
			Help: "Prediction sessions archived, by final status.",
		}, []string{"status"}),
		SessionsLive: f.NewGauge(prometheus.GaugeOpts{
			Name: "plantid_sessions_live",
			Help: "Sessions currently held by the registry.",
		}),
		Evictions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "plantid_session_evictions_total",
			Help: "Sessions evicted by the registry, by reason.",
		}, []string{"reason"}),
		Feedback: f.NewCounterVec(prometheus.CounterOpts{
			Name: "plantid_feedback_total",
			Help: "Feedback records by resolution method and persistence result.",
		}, []string{"method", "result"}),
		RetrainNeeded: f.NewGauge(prometheus.GaugeOpts{
			Name: "plantid_retrain_needed",
			Help: "1 when the last assessment found retraining warranted.",
		}),
		NewImages: f.NewGauge(prometheus.GaugeOpts{
			Name: "plantid_dataset_new_images",
			Help: "Labeled images added since the last training run.",
		}),
	}
}

// Nop returns collectors registered nowhere.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}
