// internal/learning/metrics.go
package learning

import (
	"sync"
)

// LearningMetrics - result of one document learning pass
type LearningMetrics struct {
	InitialLoss         float64   `json:"initial_loss"`
	FinalLoss           float64   `json:"final_loss"`
	LossHistory         []float64 `json:"loss_history"`
	ChunksProcessed     int       `json:"chunks_processed"`
	TokensProcessed     int       `json:"tokens_processed"`
	LearningTimeSeconds float64   `json:"learning_time_seconds"`
	WeightDeltaNorm     float64   `json:"weight_delta_norm"`
	Cancelled           bool      `json:"cancelled"`
}

// Measurements are owned by the caller, not derived from the loss history.
// The zero value means "not measured".
type Measurements struct {
	TokensProcessed     int
	LearningTimeSeconds float64
	WeightDeltaNorm     float64
}

// MetricsTracker - append-only per-chunk loss history
type MetricsTracker struct {
	mu          sync.Mutex
	lossHistory []float64
}

func NewMetricsTracker() *MetricsTracker {
	return &MetricsTracker{}
}

func (mt *MetricsTracker) RecordLoss(loss float64) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.lossHistory = append(mt.lossHistory, loss)
}

func (mt *MetricsTracker) Len() int {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return len(mt.lossHistory)
}

func (mt *MetricsTracker) Reset() {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.lossHistory = nil
}

// GetMetrics builds LearningMetrics from the current history. An empty
// history yields initial and final loss 0.0.
func (mt *MetricsTracker) GetMetrics(m Measurements) LearningMetrics {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	metrics := LearningMetrics{
		LossHistory:         append([]float64{}, mt.lossHistory...),
		ChunksProcessed:     len(mt.lossHistory),
		TokensProcessed:     m.TokensProcessed,
		LearningTimeSeconds: m.LearningTimeSeconds,
		WeightDeltaNorm:     m.WeightDeltaNorm,
	}
	if n := len(mt.lossHistory); n > 0 {
		metrics.InitialLoss = mt.lossHistory[0]
		metrics.FinalLoss = mt.lossHistory[n-1]
	}
	return metrics
}
