package telemetry

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	leaseEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ensembled",
			Subsystem: "lease",
			Name:      "events_total",
			Help:      "Total device lease acquire/release events",
		},
		[]string{"action"},
	)

	rotationEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ensembled",
			Subsystem: "rotation",
			Name:      "events_total",
			Help:      "Total rotation events by kind",
		},
		[]string{"kind"},
	)

	mitigationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ensembled",
			Subsystem: "batch",
			Name:      "mitigations_total",
			Help:      "Total batch controller mitigations",
		},
		[]string{"reason", "action"},
	)

	batchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ensembled",
			Subsystem: "batch",
			Name:      "completed_total",
			Help:      "Total successfully encoded slices",
		},
		[]string{"model"},
	)

	itemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ensembled",
			Subsystem: "batch",
			Name:      "items_total",
			Help:      "Total items encoded",
		},
		[]string{"model"},
	)

	batchSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ensembled",
			Subsystem: "batch",
			Name:      "size",
			Help:      "Primary batch size of the last encoded slice",
		},
		[]string{"model"},
	)

	droppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ensembled",
			Subsystem: "telemetry",
			Name:      "dropped_total",
			Help:      "Telemetry events dropped because a bounded log was full",
		},
		[]string{"log"},
	)

	deviceMemoryBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ensembled",
			Subsystem: "device",
			Name:      "memory_bytes",
			Help:      "Last sampled device memory counters",
		},
		[]string{"device", "kind"},
	)

	heapAllocBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ensembled",
			Subsystem: "process",
			Name:      "heap_alloc_bytes",
			Help:      "Go heap bytes allocated at the last sample",
		},
	)
)

func init() {
	prometheus.MustRegister(leaseEventsTotal, rotationEventsTotal, mitigationsTotal, batchesTotal,
		itemsTotal, batchSize, droppedTotal, deviceMemoryBytes, heapAllocBytes)
}

func observeLease(e LeaseEvent) { leaseEventsTotal.WithLabelValues(string(e.Action)).Inc() }

func observeRotation(e RotationEvent) { rotationEventsTotal.WithLabelValues(string(e.Kind)).Inc() }

func observeMitigation(e MitigationEvent) {
	mitigationsTotal.WithLabelValues(e.Reason, e.Action).Inc()
}

func observeBatch(e BatchProgressEvent) {
	batchesTotal.WithLabelValues(e.Model).Inc()
	if n := e.End - e.Start; n > 0 {
		itemsTotal.WithLabelValues(e.Model).Add(float64(n))
	}
	batchSize.WithLabelValues(e.Model).Set(float64(e.BatchSize))
}

func observeDrop(log string) { droppedTotal.WithLabelValues(log).Inc() }

func observeSample(s Sample) {
	heapAllocBytes.Set(float64(s.HeapAllocBytes))
	for id, snap := range s.Devices {
		dev := strconv.Itoa(id)
		deviceMemoryBytes.WithLabelValues(dev, "total").Set(float64(snap.TotalBytes))
		deviceMemoryBytes.WithLabelValues(dev, "free").Set(float64(snap.FreeBytes))
		deviceMemoryBytes.WithLabelValues(dev, "allocated").Set(float64(snap.AllocatedBytes))
		deviceMemoryBytes.WithLabelValues(dev, "reserved").Set(float64(snap.ReservedBytes))
	}
}
