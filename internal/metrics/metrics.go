// Package metrics exports the connector's Prometheus metrics: a scrape-time
// collector over the live call registry plus event counters recorded by the
// media and session pipelines.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CallStatsProvider exposes aggregate state of the live call registry.
type CallStatsProvider interface {
	ActiveCallCount() int
	AggregatePacketsIn() uint64
	AggregatePacketsOut() uint64
	AggregatePacketsDropped() uint64
	PortsAllocated() int
	PortCapacity() int
}

// Collector is a prometheus.Collector that reads the call registry at scrape
// time.
type Collector struct {
	calls     CallStatsProvider
	startTime time.Time

	activeCallsDesc    *prometheus.Desc
	packetsInDesc      *prometheus.Desc
	packetsOutDesc     *prometheus.Desc
	packetsDroppedDesc *prometheus.Desc
	portsUsedDesc      *prometheus.Desc
	portsCapacityDesc  *prometheus.Desc
	uptimeDesc         *prometheus.Desc
}

// NewCollector creates the scrape-time collector. The provider may be nil
// until the registry exists; such a collector only reports uptime.
func NewCollector(calls CallStatsProvider, startTime time.Time) *Collector {
	return &Collector{
		calls:     calls,
		startTime: startTime,

		activeCallsDesc: prometheus.NewDesc(
			"voice_connector_active_calls",
			"Number of calls currently holding media resources",
			nil, nil,
		),
		packetsInDesc: prometheus.NewDesc(
			"voice_connector_rtp_packets_in_total",
			"RTP packets received across all calls",
			nil, nil,
		),
		packetsOutDesc: prometheus.NewDesc(
			"voice_connector_rtp_packets_out_total",
			"RTP packets sent across all calls",
			nil, nil,
		),
		packetsDroppedDesc: prometheus.NewDesc(
			"voice_connector_rtp_packets_dropped_total",
			"Inbound RTP packets dropped across all calls",
			nil, nil,
		),
		portsUsedDesc: prometheus.NewDesc(
			"voice_connector_rtp_ports_allocated",
			"RTP ports currently allocated from the pool",
			nil, nil,
		),
		portsCapacityDesc: prometheus.NewDesc(
			"voice_connector_rtp_ports_capacity",
			"Total RTP ports in the configured range",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"voice_connector_uptime_seconds",
			"Seconds since the connector process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.packetsInDesc
	ch <- c.packetsOutDesc
	ch <- c.packetsDroppedDesc
	ch <- c.portsUsedDesc
	ch <- c.portsCapacityDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.calls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.calls.ActiveCallCount()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.packetsInDesc, prometheus.CounterValue,
			float64(c.calls.AggregatePacketsIn()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.packetsOutDesc, prometheus.CounterValue,
			float64(c.calls.AggregatePacketsOut()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.packetsDroppedDesc, prometheus.CounterValue,
			float64(c.calls.AggregatePacketsDropped()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.portsUsedDesc, prometheus.GaugeValue,
			float64(c.calls.PortsAllocated()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.portsCapacityDesc, prometheus.GaugeValue,
			float64(c.calls.PortCapacity()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}

// Counters are the directly-instrumented event metrics.
type Counters struct {
	CallsStarted    prometheus.Counter
	CallsEnded      prometheus.Counter
	BargeIns        prometheus.Counter
	STTReconnects   prometheus.Counter
	FinalsCommitted prometheus.Counter
	ScenarioRuns    *prometheus.CounterVec
	TimeToFirstTTS  prometheus.Histogram
	CallDuration    prometheus.Histogram
}

// NewCounters creates and registers the event counters.
func NewCounters(reg prometheus.Registerer) *Counters {
	c := &Counters{
		CallsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voice_connector_calls_started_total",
			Help: "Calls accepted since start",
		}),
		CallsEnded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voice_connector_calls_ended_total",
			Help: "Calls torn down since start",
		}),
		BargeIns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voice_connector_barge_ins_total",
			Help: "TTS playbacks interrupted by caller speech",
		}),
		STTReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voice_connector_stt_reconnects_total",
			Help: "ASR stream redials across all calls",
		}),
		FinalsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voice_connector_transcript_finals_total",
			Help: "Final transcripts committed across all calls",
		}),
		ScenarioRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_connector_scenario_runs_total",
			Help: "Scenario executions by outcome",
		}, []string{"status"}),
		TimeToFirstTTS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_connector_time_to_first_tts_seconds",
			Help:    "Latency from committed final to first TTS frame enqueued",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		CallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_connector_call_duration_seconds",
			Help:    "Call length from media setup to teardown",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}

	reg.MustRegister(
		c.CallsStarted,
		c.CallsEnded,
		c.BargeIns,
		c.STTReconnects,
		c.FinalsCommitted,
		c.ScenarioRuns,
		c.TimeToFirstTTS,
		c.CallDuration,
	)
	return c
}
