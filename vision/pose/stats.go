package pose

import (
	"sync"
	"time"

	"github.com/montanaflynn/stats"
)

// Outcome classifies how a detection cycle ended.
type Outcome int

// Cycle outcomes.
const (
	OutcomeDetected Outcome = iota
	OutcomeNoDetection
	OutcomeFailed
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDetected:
		return "detected"
	case OutcomeNoDetection:
		return "no_detection"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// maxLatencySamples bounds the latency window the summary is computed over.
const maxLatencySamples = 512

// LoopStats is a snapshot of a loop's cycle counts and latency.
type LoopStats struct {
	Cycles        int           `json:"cycles"`
	Detected      int           `json:"detected"`
	NoDetection   int           `json:"no_detection"`
	Failed        int           `json:"failed"`
	Cancelled     int           `json:"cancelled"`
	DroppedFrames int64         `json:"dropped_frames"`
	MeanLatency   time.Duration `json:"mean_latency"`
	P95Latency    time.Duration `json:"p95_latency"`
	MaxLatency    time.Duration `json:"max_latency"`
}

type statsRecorder struct {
	mu        sync.Mutex
	counts    [4]int
	latencies []float64
	next      int
}

func (r *statsRecorder) record(outcome Outcome, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[outcome]++
	if outcome == OutcomeCancelled {
		return
	}
	ms := float64(latency) / float64(time.Millisecond)
	if len(r.latencies) < maxLatencySamples {
		r.latencies = append(r.latencies, ms)
		return
	}
	r.latencies[r.next] = ms
	r.next = (r.next + 1) % maxLatencySamples
}

func (r *statsRecorder) snapshot() LoopStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := LoopStats{
		Detected:    r.counts[OutcomeDetected],
		NoDetection: r.counts[OutcomeNoDetection],
		Failed:      r.counts[OutcomeFailed],
		Cancelled:   r.counts[OutcomeCancelled],
	}
	out.Cycles = out.Detected + out.NoDetection + out.Failed + out.Cancelled
	if len(r.latencies) == 0 {
		return out
	}
	data := stats.Float64Data(r.latencies)
	if mean, err := data.Mean(); err == nil {
		out.MeanLatency = msToDuration(mean)
	}
	if p95, err := data.Percentile(95); err == nil {
		out.P95Latency = msToDuration(p95)
	}
	if maxMs, err := data.Max(); err == nil {
		out.MaxLatency = msToDuration(maxMs)
	}
	return out
}

func msToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
