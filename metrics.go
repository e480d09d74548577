package dumbbell

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of one experiment.  Each
// experiment has its own registry, so several can run in one process.
type Metrics struct {
	registry *prometheus.Registry

	pcktEvents      *prometheus.CounterVec
	pcktBytes       *prometheus.CounterVec
	queueOccupancy  *prometheus.GaugeVec
	queuePeak       *prometheus.GaugeVec
	queueDelay      prometheus.Histogram
	sinkBytes       prometheus.Gauge
	throughput      prometheus.Gauge
	retransmits     prometheus.Gauge
	sampleRate      prometheus.Histogram
	enqueuedAt      map[int]float64
	bottleneckIndex int
}

// CreateMetrics is a constructor
func CreateMetrics(expName string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	constLabels := prometheus.Labels{"experiment": expName}

	return &Metrics{
		registry: reg,

		pcktEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "dumbbell_packet_events_total",
			Help:        "Packet events at interfaces, by interface and event",
			ConstLabels: constLabels,
		}, []string{"intrfc", "event"}),

		pcktBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "dumbbell_packet_bytes_total",
			Help:        "Bytes of IP packets seen at interfaces, by interface and event",
			ConstLabels: constLabels,
		}, []string{"intrfc", "event"}),

		queueOccupancy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "dumbbell_queue_packets",
			Help:        "Packets waiting in an egress queue",
			ConstLabels: constLabels,
		}, []string{"intrfc"}),

		queuePeak: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "dumbbell_queue_peak_packets",
			Help:        "Largest occupancy of an egress queue",
			ConstLabels: constLabels,
		}, []string{"intrfc"}),

		queueDelay: factory.NewHistogram(prometheus.HistogramOpts{
			Name:        "dumbbell_bottleneck_queue_delay_seconds",
			Help:        "Time packets wait in the bottleneck queue",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),

		sinkBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "dumbbell_sink_bytes",
			Help:        "Bytes delivered to the sink",
			ConstLabels: constLabels,
		}),

		throughput: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "dumbbell_throughput_bps",
			Help:        "Throughput over the measurement window in bits per second",
			ConstLabels: constLabels,
		}),

		retransmits: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "dumbbell_retransmits",
			Help:        "Segments retransmitted by the sender",
			ConstLabels: constLabels,
		}),

		sampleRate: factory.NewHistogram(prometheus.HistogramOpts{
			Name:        "dumbbell_sample_throughput_mbps",
			Help:        "Throughput of each sampling interval in Mbps",
			ConstLabels: constLabels,
			Buckets:     prometheus.LinearBuckets(0, 2.5, 20),
		}),

		enqueuedAt:      make(map[int]float64),
		bottleneckIndex: -1,
	}
}

// attachIntrfc observes the interface.  The delay histogram covers the
// bottleneck interface only
func (m *Metrics) attachIntrfc(intrfc *Intrfc, bottleneck bool) {
	if bottleneck {
		m.bottleneckIndex = intrfc.Number
	}
	intrfc.addObserver(m)
}

var metricEventName map[pcktEvent]string = map[pcktEvent]string{pcktEnqueue: "enqueue", pcktDequeue: "dequeue",
	pcktDrop: "drop", pcktReceive: "receive"}

// observePacket implements packetObserver
func (m *Metrics) observePacket(now float64, evt pcktEvent, intrfc *Intrfc, pckt *packet) {
	name := intrfc.FullName()
	m.pcktEvents.WithLabelValues(name, metricEventName[evt]).Inc()
	m.pcktBytes.WithLabelValues(name, metricEventName[evt]).Add(float64(pckt.pcktLen()))

	switch evt {
	case pcktEnqueue, pcktDequeue:
		m.queueOccupancy.WithLabelValues(name).Set(float64(intrfc.queue.Len()))
		m.queuePeak.WithLabelValues(name).Set(float64(intrfc.queue.Peak()))
	}
	if intrfc.Number != m.bottleneckIndex {
		return
	}
	switch evt {
	case pcktEnqueue:
		m.enqueuedAt[pckt.id] = now
	case pcktDequeue:
		if at, present := m.enqueuedAt[pckt.id]; present {
			m.queueDelay.Observe(now - at)
			delete(m.enqueuedAt, pckt.id)
		}
	}
}

func (m *Metrics) recordSample(mbps float64) {
	m.sampleRate.Observe(mbps)
}

func (m *Metrics) recordReport(rprt *Report) {
	m.sinkBytes.Set(float64(rprt.BytesReceived))
	m.throughput.Set(rprt.ThroughputBps)
	m.retransmits.Set(float64(rprt.Transport.Retransmits))
}

// Registry returns the registry holding the experiment's collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteToTextfile writes the collectors in the text exposition format
func (m *Metrics) WriteToTextfile(filename string) error {
	return prometheus.WriteToTextfile(filename, m.registry)
}
