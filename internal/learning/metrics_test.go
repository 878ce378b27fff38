package learning

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetricsTrackerScenario(t *testing.T) {
	mt := NewMetricsTracker()
	for _, loss := range []float64{2.5, 2.1, 1.9} {
		mt.RecordLoss(loss)
	}

	m := mt.GetMetrics(Measurements{TokensProcessed: 12, LearningTimeSeconds: 0.5})
	assert.Equal(t, 2.5, m.InitialLoss)
	assert.Equal(t, 1.9, m.FinalLoss)
	assert.Equal(t, 3, m.ChunksProcessed)
	assert.Equal(t, []float64{2.5, 2.1, 1.9}, m.LossHistory)
	assert.Equal(t, 12, m.TokensProcessed)
	assert.Equal(t, 0.5, m.LearningTimeSeconds)
	assert.Zero(t, m.WeightDeltaNorm)
}

func TestMetricsTrackerEmpty(t *testing.T) {
	m := NewMetricsTracker().GetMetrics(Measurements{})
	assert.Zero(t, m.InitialLoss)
	assert.Zero(t, m.FinalLoss)
	assert.Zero(t, m.ChunksProcessed)
	assert.Empty(t, m.LossHistory)
}

func TestMetricsTrackerReset(t *testing.T) {
	mt := NewMetricsTracker()
	mt.RecordLoss(1.0)
	snapshot := mt.GetMetrics(Measurements{})

	mt.Reset()
	assert.Equal(t, 0, mt.Len())
	// earlier snapshots are not affected
	assert.Equal(t, []float64{1.0}, snapshot.LossHistory)

	mt.RecordLoss(0.7)
	assert.Equal(t, 0.7, mt.GetMetrics(Measurements{}).InitialLoss)
}
