package engine

import (
	"fmt"
	"math"
)

// Schedule holds the variance-preserving DDPM noise schedule: cumulative
// alpha products indexed by training timestep, plus the K evenly spaced
// inference timesteps in descending order. Computed once at engine startup.
type Schedule struct {
	AlphasCumprod []float64
	Timesteps     []int
}

// NewSchedule builds a linear beta schedule and derives the inference
// timesteps. The arithmetic matches the reference exporter: float64
// throughout, timestep i at round(train-1 - i*train/K) clamped to zero.
func NewSchedule(betaStart, betaEnd float64, numTrain, numInference int) (*Schedule, error) {
	if numTrain < 1 {
		return nil, fmt.Errorf("num train timesteps %d must be positive", numTrain)
	}
	if numInference < 1 || numInference > numTrain {
		return nil, fmt.Errorf("num inference steps %d must be in [1, %d]", numInference, numTrain)
	}

	cumprod := make([]float64, numTrain)
	product := 1.0
	for i := range numTrain {
		beta := betaStart
		if numTrain > 1 {
			beta += (betaEnd - betaStart) * float64(i) / float64(numTrain-1)
		}
		product *= 1.0 - beta
		cumprod[i] = product
	}

	stepSize := float64(numTrain) / float64(numInference)
	timesteps := make([]int, numInference)
	for i := range numInference {
		t := int(math.Round(float64(numTrain-1) - float64(i)*stepSize))
		timesteps[i] = max(t, 0)
	}

	return &Schedule{AlphasCumprod: cumprod, Timesteps: timesteps}, nil
}

// AlphaCumprod returns the cumulative alpha at training timestep t.
func (s *Schedule) AlphaCumprod(t int) float64 {
	return s.AlphasCumprod[t]
}

// AlphaPrev returns the cumulative alpha one training timestep earlier,
// with alpha at t=0 treated as exactly 1.0.
func (s *Schedule) AlphaPrev(t int) float64 {
	if t <= 0 {
		return 1.0
	}
	return s.AlphasCumprod[t-1]
}
