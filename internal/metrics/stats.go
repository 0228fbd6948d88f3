package metrics

import "time"

// Window accumulates timing and loss stats across multiple steps.
type Window struct {
	samples  int
	data     time.Duration
	compute  time.Duration
	steps    int
	lossSum  float64
	lastLoss float64
}

// Record adds a new measurement to the window.
func (w *Window) Record(batchSize int, dataTime, computeTime time.Duration, loss float64) {
	w.samples += batchSize
	w.data += dataTime
	w.compute += computeTime
	w.steps++
	w.lossSum += loss
	w.lastLoss = loss
}

// Steps reports how many measurements the window holds.
func (w *Window) Steps() int { return w.steps }

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{}
	total := w.data + w.compute
	if total > 0 {
		snap.ImagesPerSec = float64(w.samples) / total.Seconds()
	}
	if w.steps > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(w.steps)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(w.steps)
		snap.MeanLoss = w.lossSum / float64(w.steps)
	}
	snap.LastLoss = w.lastLoss

	*w = Window{}
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	ImagesPerSec float64
	AvgDataMS    float64
	AvgComputeMS float64
	MeanLoss     float64
	LastLoss     float64
}

// Accuracy counts top-1 hits.
type Accuracy struct {
	Correct int
	Total   int
}

// Add records one prediction.
func (a *Accuracy) Add(predicted, label int) {
	a.Total++
	if predicted == label {
		a.Correct++
	}
}

// Value is Correct/Total, or 0 before any prediction.
func (a Accuracy) Value() float64 {
	if a.Total == 0 {
		return 0
	}
	return float64(a.Correct) / float64(a.Total)
}
