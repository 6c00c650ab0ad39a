package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalSteps atomic.Int64

var (
	GenerationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "naiad_generations_total",
		Help: "Generations finished, by outcome",
	}, []string{"outcome"})

	GenerationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "naiad_generation_duration_seconds",
		Help:    "Wall time of a full generation",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	DiffusionStepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "naiad_diffusion_steps_total",
		Help: "Denoising steps executed",
	})

	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "naiad_step_duration_seconds",
		Help:    "Duration of one denoising step",
		Buckets: prometheus.DefBuckets,
	}, []string{"tier"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "naiad_stage_duration_seconds",
		Help:    "Duration of pipeline stages (tokenise, encode, noise, decode)",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	GraphCompilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "naiad_graph_compiles_total",
		Help: "Sub-graph compilations, by graph id",
	}, []string{"graph"})

	GraphRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "naiad_graph_run_duration_seconds",
		Help:    "Executable run time, by graph id",
		Buckets: prometheus.DefBuckets,
	}, []string{"graph"})

	DeviceErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "naiad_device_errors_total",
		Help: "Engine compile/run failures",
	}, []string{"op"})

	ModelSlotLoaded = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "naiad_model_slot_loaded",
		Help: "1 when the sub-model slot holds compiled executables",
	}, []string{"slot"})

	DeviceMemoryInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "naiad_device_memory_in_use_bytes",
		Help: "Bytes held by the execution engine",
	})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "naiad_numerical_instability_total",
		Help: "Total number of NaN/Inf values detected",
	}, []string{"tensor", "type"})

	TokenizerEncodeLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "naiad_tokenizer_encode_length",
		Help:    "BPE ids produced before truncation",
		Buckets: []float64{0, 5, 10, 20, 40, 75, 100, 200},
	})

	TokenizerTruncations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "naiad_tokenizer_truncations_total",
		Help: "Prompts truncated to 75 ids",
	})

	UpscalesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "naiad_upscales_total",
		Help: "Upscaler invocations, by result",
	}, []string{"result"})
)

func RecordGeneration(outcome string, duration time.Duration) {
	GenerationsTotal.WithLabelValues(outcome).Inc()
	GenerationDuration.Observe(duration.Seconds())
}

func RecordStep(tier string, duration time.Duration) {
	DiffusionStepsTotal.Inc()
	totalSteps.Add(1)
	StepDuration.WithLabelValues(tier).Observe(duration.Seconds())
}

// TotalSteps returns the number of steps recorded since process start.
func TotalSteps() int64 {
	return totalSteps.Load()
}

func RecordStage(stage string, duration time.Duration) {
	StageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

func RecordCompile(graph string) {
	GraphCompilesTotal.WithLabelValues(graph).Inc()
}

func RecordGraphRun(graph string, duration time.Duration) {
	GraphRunDuration.WithLabelValues(graph).Observe(duration.Seconds())
}

func RecordDeviceError(op string) {
	DeviceErrorsTotal.WithLabelValues(op).Inc()
}

func RecordSlot(slot string, loaded bool) {
	v := 0.0
	if loaded {
		v = 1
	}
	ModelSlotLoaded.WithLabelValues(slot).Set(v)
}

func RecordDeviceMemory(bytes int64) {
	DeviceMemoryInUse.Set(float64(bytes))
}

func RecordNumericalInstability(tensor string, nans, infs int) {
	if nans > 0 {
		NumericalInstability.WithLabelValues(tensor, "nan").Add(float64(nans))
	}
	if infs > 0 {
		NumericalInstability.WithLabelValues(tensor, "inf").Add(float64(infs))
	}
}

func RecordEncode(ids int, truncated bool) {
	TokenizerEncodeLength.Observe(float64(ids))
	if truncated {
		TokenizerTruncations.Inc()
	}
}

func RecordUpscale(ok bool) {
	if ok {
		UpscalesTotal.WithLabelValues("ok").Inc()
		return
	}
	UpscalesTotal.WithLabelValues("none").Inc()
}
