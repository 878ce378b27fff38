// internal/learning/objective.go
package learning

import (
	"fmt"
	"math"

	"github.com/lumix-ai/lact/internal/core"
	"github.com/lumix-ai/lact/internal/model"
)

// IgnoreIndex marks a position that contributes no loss.
const IgnoreIndex = -1

// Objective - selects model inputs and per-position targets for a chunk. The
// objective only decides which positions are scored; accumulation is the same
// for every objective.
type Objective interface {
	Type() LossType
	Prepare(tokenIDs []int) (inputs []int, targets []int)
}

func NewObjective(config Config) (Objective, error) {
	switch config.LossType {
	case LossNextToken:
		return nextTokenObjective{}, nil
	case LossMasked:
		if config.MaskEvery <= 0 {
			return nil, &ConfigError{Field: "mask_every", Reason: "must be > 0 for masked loss"}
		}
		return maskedObjective{every: config.MaskEvery, maskID: config.MaskTokenID}, nil
	}
	return nil, &ConfigError{Field: "loss_type", Reason: "unknown " + string(config.LossType)}
}

// position t predicts token t+1
type nextTokenObjective struct{}

func (nextTokenObjective) Type() LossType { return LossNextToken }

func (nextTokenObjective) Prepare(tokenIDs []int) ([]int, []int) {
	targets := make([]int, len(tokenIDs))
	for i := range targets {
		if i+1 < len(tokenIDs) {
			targets[i] = tokenIDs[i+1]
		} else {
			targets[i] = IgnoreIndex
		}
	}
	return tokenIDs, targets
}

// every n-th position is replaced by the mask token and must be recovered
type maskedObjective struct {
	every  int
	maskID int
}

func (maskedObjective) Type() LossType { return LossMasked }

func (o maskedObjective) Prepare(tokenIDs []int) ([]int, []int) {
	inputs := make([]int, len(tokenIDs))
	targets := make([]int, len(tokenIDs))
	for i, id := range tokenIDs {
		if i%o.every == 0 {
			inputs[i] = o.maskID
			targets[i] = id
		} else {
			inputs[i] = id
			targets[i] = IgnoreIndex
		}
	}
	return inputs, targets
}

// CrossEntropy - mean cross-entropy over the scored rows of logits [T, V] and
// its gradient (softmax - onehot)/n. Ignored rows get a zero gradient.
func CrossEntropy(logits *core.Tensor, targets []int) (float64, *core.Tensor, error) {
	if len(logits.Shape) != 2 || logits.Rows() != len(targets) {
		return 0, nil, fmt.Errorf("%w: logits %v for %d targets", core.ErrShapeMismatch, logits.Shape, len(targets))
	}

	vocab := logits.Cols()
	grad := core.NewTensor(logits.Shape...)
	loss := 0.0
	n := 0

	for t, target := range targets {
		if target == IgnoreIndex {
			continue
		}
		if target < 0 || target >= vocab {
			return 0, nil, fmt.Errorf("%w: target %d at position %d", model.ErrTokenOutOfRange, target, t)
		}

		row := logits.Row(t)
		maxVal := row[0]
		for _, v := range row[1:] {
			if v > maxVal {
				maxVal = v
			}
		}
		expSum := 0.0
		g := grad.Row(t)
		for i, v := range row {
			g[i] = math.Exp(v - maxVal)
			expSum += g[i]
		}
		for i := range g {
			g[i] /= expSum
		}
		g[target] -= 1

		loss += math.Log(expSum) + maxVal - row[target]
		n++
	}

	if n == 0 {
		return 0, nil, ErrNoTargets
	}

	grad.Scale(1 / float64(n))
	return loss / float64(n), grad, nil
}

// EvaluateLoss runs a gradient-free forward pass and returns the objective's
// loss. It never touches fast weights.
func EvaluateLoss(m model.Adaptable, objective Objective, tokenIDs []int) (float64, error) {
	inputs, targets := objective.Prepare(tokenIDs)
	pass, err := m.Forward(inputs)
	if err != nil {
		return 0, err
	}
	loss, _, err := CrossEntropy(pass.Logits(), targets)
	return loss, err
}
