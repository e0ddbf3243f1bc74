// Package metrics contains the prometheus infrastructure.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Registers the collector with Prometheus. If an identical collector is already
// registered, returns the existing collector, otherwise returns the provided collector.
// Panics if the collector cannot be registered.
func registerOnce(collector prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(collector); err != nil {
		are := &prometheus.AlreadyRegisteredError{}
		if errors.As(err, are) {
			return are.ExistingCollector
		}
		panic(err)
	}
	return collector
}

func registerCounterVec(c *prometheus.CounterVec) *prometheus.CounterVec {
	return registerOnce(c).(*prometheus.CounterVec)
}

func registerHistogramVec(h *prometheus.HistogramVec) *prometheus.HistogramVec {
	return registerOnce(h).(*prometheus.HistogramVec)
}

func registerGaugeVec(g *prometheus.GaugeVec) *prometheus.GaugeVec {
	return registerOnce(g).(*prometheus.GaugeVec)
}
