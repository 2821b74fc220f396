package notit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	packetsDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "ctf_notit",
		Name:      "packets",
		Help:      "Packets whose header and context were decoded.",
	}, []string{"trace"})
	eventsDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "ctf_notit",
		Name:      "events",
		Help:      "Events emitted.",
	}, []string{"trace"})
	bytesRequested = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "ctf_notit",
		Name:      "bytes",
		Help:      "Bytes received from the medium.",
	}, []string{"trace"})
	decodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "ctf_notit",
		Name:      "errors",
		Help:      "Next calls that failed with a decoding error.",
	}, []string{"trace"})
)

type metrics struct {
	packets prometheus.Counter
	events  prometheus.Counter
	bytes   prometheus.Counter
	errors  prometheus.Counter
}

func newMetrics(trace string) metrics {
	return metrics{
		packets: packetsDecoded.WithLabelValues(trace),
		events:  eventsDecoded.WithLabelValues(trace),
		bytes:   bytesRequested.WithLabelValues(trace),
		errors:  decodeErrors.WithLabelValues(trace),
	}
}
