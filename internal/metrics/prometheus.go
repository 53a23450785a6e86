package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cadenza-audio/cadenza/internal/audio"
	"github.com/cadenza-audio/cadenza/internal/bargein"
)

// Collector contains all Prometheus metrics for the playback engine and
// barge-in controller. It implements audio.Observer and bargein.Observer so
// it can be attached directly as the metrics sink of both.
type Collector struct {
	// Ingest metrics
	ChunksReceived prometheus.Counter
	BytesReceived  prometheus.Counter
	ChunksDropped  *prometheus.CounterVec
	DecodeErrors   prometheus.Counter

	// Queue metrics
	QueueChunks   prometheus.Gauge
	QueueDuration prometheus.Gauge

	// Playback metrics
	PlaybackState    prometheus.Gauge
	TimeToFirstAudio prometheus.Histogram
	SchedulingStalls prometheus.Counter

	// Interruption metrics
	Interruptions       prometheus.Counter
	InterruptedComplete prometheus.Histogram
	BargeInEvents       *prometheus.CounterVec
	PipelineState       prometheus.Gauge
}

// NewCollector creates and registers all metrics on the given registerer.
// Pass prometheus.DefaultRegisterer in production.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		ChunksReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "cadenza_chunks_received_total",
			Help: "Total number of audio chunks received",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "cadenza_chunk_bytes_received_total",
			Help: "Total audio payload bytes received",
		}),
		ChunksDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cadenza_chunks_dropped_total",
			Help: "Total chunks dropped by overflow handling, by trigger",
		}, []string{"trigger"}),
		DecodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "cadenza_decode_errors_total",
			Help: "Total chunks skipped due to decode failure",
		}),
		QueueChunks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cadenza_queue_chunks",
			Help: "Current number of queued chunks",
		}),
		QueueDuration: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cadenza_queue_duration_seconds",
			Help: "Current queued audio duration in seconds",
		}),
		PlaybackState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cadenza_playback_state",
			Help: "Current playback state (0=idle, 1=buffering, 2=playing, 3=stopped)",
		}),
		TimeToFirstAudio: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cadenza_time_to_first_audio_seconds",
			Help:    "Latency from first chunk of a stream to first scheduled audio",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
		}),
		SchedulingStalls: factory.NewCounter(prometheus.CounterOpts{
			Name: "cadenza_scheduling_stalls_total",
			Help: "Total stuck-cursor recoveries performed by the watchdog",
		}),
		Interruptions: factory.NewCounter(prometheus.CounterOpts{
			Name: "cadenza_interruptions_total",
			Help: "Total playback interruptions",
		}),
		InterruptedComplete: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cadenza_interrupted_completion_percent",
			Help:    "How far through the stream playback was when interrupted",
			Buckets: prometheus.LinearBuckets(0, 10, 11), // 0 to 100
		}),
		BargeInEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cadenza_barge_in_events_total",
			Help: "Total barge-in classifications, by class",
		}, []string{"classification"}),
		PipelineState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cadenza_pipeline_state",
			Help: "Current conversation pipeline state (enum ordinal)",
		}),
	}
}

// audio.Observer

func (c *Collector) StateChanged(from, to audio.State) {
	c.PlaybackState.Set(float64(to))
}

func (c *Collector) FirstAudio(ttfa time.Duration) {
	c.TimeToFirstAudio.Observe(ttfa.Seconds())
}

func (c *Collector) ChunkReceived(bytes int) {
	c.ChunksReceived.Inc()
	c.BytesReceived.Add(float64(bytes))
}

func (c *Collector) ChunkDropped(n int, trigger audio.OverflowTrigger) {
	c.ChunksDropped.WithLabelValues(string(trigger)).Add(float64(n))
}

func (c *Collector) DecodeError() {
	c.DecodeErrors.Inc()
}

func (c *Collector) QueueDepth(chunks int, queued time.Duration) {
	c.QueueChunks.Set(float64(chunks))
	c.QueueDuration.Set(queued.Seconds())
}

func (c *Collector) Interrupted(stats audio.InterruptStats) {
	c.Interruptions.Inc()
	c.InterruptedComplete.Observe(stats.CompletionPct)
}

func (c *Collector) SchedulingStall(ahead time.Duration) {
	c.SchedulingStalls.Inc()
}

// bargein.Observer

func (c *Collector) PipelineStateChanged(from, to bargein.PipelineState) {
	c.PipelineState.Set(float64(to))
}

func (c *Collector) BargeIn(ev bargein.Event) {
	c.BargeInEvents.WithLabelValues(string(ev.Classification)).Inc()
}
