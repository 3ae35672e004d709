package client

import "time"

// Sample is the outcome of one completed instruction.
type Sample struct {
	Op      string
	Ok      bool
	Latency time.Duration // time spent in the operation
	Elapsed time.Duration // time since the workload began
}

// Metrics collects per-operation samples of a workload run.
type Metrics struct {
	TotalOps      uint64
	SuccessfulOps uint64
	FailedOps     uint64
	TotalLatency  time.Duration
	Samples       []Sample
}

func (m *Metrics) record(op string, ok bool, latency, elapsed time.Duration) {
	m.TotalOps++
	if ok {
		m.SuccessfulOps++
	} else {
		m.FailedOps++
	}
	m.TotalLatency += latency
	m.Samples = append(m.Samples, Sample{Op: op, Ok: ok, Latency: latency, Elapsed: elapsed})
}

// AverageLatency is zero when nothing ran.
func (m *Metrics) AverageLatency() time.Duration {
	if m.TotalOps == 0 {
		return 0
	}
	return m.TotalLatency / time.Duration(m.TotalOps)
}

// Throughput returns completed operations per second over the run.
func (m *Metrics) Throughput() float64 {
	if len(m.Samples) == 0 {
		return 0
	}
	secs := m.Samples[len(m.Samples)-1].Elapsed.Seconds()
	if secs == 0 {
		return 0
	}
	return float64(len(m.Samples)) / secs
}
