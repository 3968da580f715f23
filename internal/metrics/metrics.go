package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalTokens atomic.Int64

var (
	TokensGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bmllm_tokens_generated_total",
		Help: "The total number of tokens generated",
	})

	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bmllm_step_duration_seconds",
		Help:    "Duration of prefill and decode steps",
		Buckets: prometheus.DefBuckets,
	}, []string{"phase"})

	SubgraphLaunchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bmllm_subgraph_launch_duration_seconds",
		Help:    "Histogram of sub-graph launch times",
		Buckets: prometheus.DefBuckets,
	}, []string{"subgraph"})

	DeviceMemoryAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bmllm_device_memory_allocated_bytes",
		Help: "Current bytes allocated on the device",
	})

	KVCacheCapacityBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bmllm_kv_cache_capacity_bytes",
		Help: "Total capacity of KV cache in bytes",
	})

	KVCacheUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bmllm_kv_cache_used_bytes",
		Help: "Current bytes used in KV cache",
	})

	KVCacheWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bmllm_kv_cache_writes_total",
		Help: "Number of per-layer KV slot writes",
	}, []string{"phase"})

	KVCacheOutOfBounds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bmllm_kv_cache_oob_total",
		Help: "Count of rejected KV cache writes outside capacity",
	})

	SequenceLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bmllm_sequence_length_tokens",
		Help:    "Distribution of sequence lengths after each step",
		Buckets: []float64{8, 32, 128, 256, 512, 1024, 2048, 4096, 8192},
	})

	EngineErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bmllm_engine_errors_total",
		Help: "Engine errors by kind",
	}, []string{"kind"})

	SamplingModeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bmllm_sampling_total",
		Help: "Sampled tokens by generation mode",
	}, []string{"mode"})

	SamplingTemperature = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bmllm_sampling_temperature",
		Help:    "Sampling temperature values used",
		Buckets: []float64{0.1, 0.3, 0.5, 0.7, 0.9, 1.0, 1.2, 1.5, 2.0},
	})

	SamplingTopP = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bmllm_sampling_top_p",
		Help:    "Top-p nucleus values used",
		Buckets: []float64{0.1, 0.3, 0.5, 0.7, 0.8, 0.9, 0.95, 0.99, 1.0},
	})

	SamplingTopTokenProbability = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bmllm_sampling_top_token_probability",
		Help:    "Probability of the most likely candidate",
		Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 0.99},
	})

	SamplingRepetitionPenalty = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bmllm_sampling_repetition_penalty",
		Help:    "Repetition penalty values used",
		Buckets: []float64{1.0, 1.05, 1.1, 1.15, 1.2, 1.3, 1.5, 2.0},
	})

	TraceRecordsExported = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bmllm_trace_records_exported_total",
		Help: "Decode trace rows shipped to the trace sink",
	}, []string{"status"})
)

// RecordStep records one prefill or decode step that produced tokens.
func RecordStep(phase string, tokens int, duration time.Duration) {
	TokensGenerated.Add(float64(tokens))
	totalTokens.Add(int64(tokens))
	StepDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// TotalTokens returns the process-wide generated token count.
func TotalTokens() int64 {
	return totalTokens.Load()
}

func RecordDeviceMemory(bytes int64) {
	DeviceMemoryAllocated.Set(float64(bytes))
}

func RecordLaunchDuration(subgraph string, duration time.Duration) {
	SubgraphLaunchDuration.WithLabelValues(subgraph).Observe(duration.Seconds())
}

// RecordKVCacheStats publishes cache occupancy for the active session.
func RecordKVCacheStats(capacityBytes, usedBytes int) {
	KVCacheCapacityBytes.Set(float64(capacityBytes))
	KVCacheUsedBytes.Set(float64(usedBytes))
}

func RecordKVCacheWrite(phase string, layers int) {
	KVCacheWrites.WithLabelValues(phase).Add(float64(layers))
}

func RecordKVCacheOutOfBounds() {
	KVCacheOutOfBounds.Inc()
}

func RecordSequenceLength(tokens int) {
	SequenceLength.Observe(float64(tokens))
}

func RecordEngineError(kind string) {
	EngineErrors.WithLabelValues(kind).Inc()
}

// RecordSampling records the parameters of one sampling call. topProb < 0 means
// the mode exposes no candidate probabilities.
func RecordSampling(mode string, temperature, topP, penalty, topProb float64) {
	SamplingModeTotal.WithLabelValues(mode).Inc()
	SamplingTemperature.Observe(temperature)
	SamplingTopP.Observe(topP)
	SamplingRepetitionPenalty.Observe(penalty)
	if topProb >= 0 {
		SamplingTopTokenProbability.Observe(topProb)
	}
}

func RecordTraceExport(rows int, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	TraceRecordsExported.WithLabelValues(status).Add(float64(rows))
}
