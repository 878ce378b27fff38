// internal/learning/observer.go
package learning

// Observer receives learning events. Implementations must be cheap; they run
// synchronously inside the learning loop.
type Observer interface {
	ChunkProcessed(chunkIndex, tokens int, loss float64)
	UpdateApplied(stats UpdateStats)
	LearningFailed(chunkIndex int, err error)
	DocumentFinished(metrics LearningMetrics)
}

type nopObserver struct{}

func (nopObserver) ChunkProcessed(int, int, float64) {}
func (nopObserver) UpdateApplied(UpdateStats)        {}
func (nopObserver) LearningFailed(int, error)        {}
func (nopObserver) DocumentFinished(LearningMetrics) {}
