package remote

import "github.com/prometheus/client_golang/prometheus"

const (
	namespace = "nodespy"
	subsystem = "upstream"
)

type clientMetrics struct {
	sentBytes       prometheus.Counter
	sentProfiles    prometheus.Counter
	uploadErrors    prometheus.Counter
	droppedProfiles prometheus.Counter
}

func newClientMetrics(reg prometheus.Registerer, targetAddress string) *clientMetrics {
	labels := prometheus.Labels{
		"targetAddress": targetAddress,
	}

	m := &clientMetrics{
		sentBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "sent_bytes_total",
			Help:        "Total number of compressed bytes sent upstream.",
			ConstLabels: labels,
		}),
		sentProfiles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "sent_profiles_total",
			Help:        "Total number of profiles uploaded successfully.",
			ConstLabels: labels,
		}),
		uploadErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "upload_errors_total",
			Help:        "Total number of profiles that failed all delivery attempts.",
			ConstLabels: labels,
		}),
		droppedProfiles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "dropped_profiles_total",
			Help:        "Total number of profiles dropped because the queue was full.",
			ConstLabels: labels,
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.sentBytes,
			m.sentProfiles,
			m.uploadErrors,
			m.droppedProfiles,
		)
	}
	return m
}
