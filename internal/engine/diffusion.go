package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
)

// denoiseFrame runs the fixed-length DDPM subroutine for one acoustic frame.
// It starts from fresh noise drawn from the session RNG and performs exactly
// K scheduled iterations, descending through the training timesteps.
//
// With a negative conditioning vector present, the predicted noise is the
// classifier-free-guided combination neg + scale*(pos - neg). The posterior
// update is the variance-preserving DDPM combination of the clipped x0
// estimate and the guided noise, with alpha at t=0 treated as 1.0.
func (e *Engine) denoiseFrame(ctx context.Context, rng *rand.Rand, condPos, condNeg []float32) ([]float32, error) {
	latent := make([]float32, e.cfg.LatentSize)
	for i := range latent {
		latent[i] = float32(rng.NormFloat64())
	}

	for _, t := range e.schedule.Timesteps {
		pos, err := e.predictNoise(ctx, latent, t, condPos)
		if err != nil {
			return nil, fmt.Errorf("timestep %d: %w", t, err)
		}

		guided := pos
		if condNeg != nil {
			neg, err := e.predictNoise(ctx, latent, t, condNeg)
			if err != nil {
				return nil, fmt.Errorf("timestep %d (negative): %w", t, err)
			}
			scale := e.cfg.CFGScale
			guided = make([]float32, len(pos))
			for i := range guided {
				guided[i] = float32(float64(neg[i]) + scale*float64(pos[i]-neg[i]))
			}
		}

		alphaT := e.schedule.AlphaCumprod(t)
		alphaPrev := e.schedule.AlphaPrev(t)
		sqrtAlphaT := math.Sqrt(alphaT)
		sqrtOneMinusAlphaT := math.Sqrt(1.0 - alphaT)
		sqrtAlphaPrev := math.Sqrt(alphaPrev)
		sqrtOneMinusAlphaPrev := math.Sqrt(1.0 - alphaPrev)

		for i := range latent {
			eps := float64(guided[i])
			x0 := (float64(latent[i]) - sqrtOneMinusAlphaT*eps) / sqrtAlphaT
			x0 = math.Max(-1.0, math.Min(1.0, x0))
			latent[i] = float32(sqrtAlphaPrev*x0 + sqrtOneMinusAlphaPrev*eps)
		}
	}

	return latent, nil
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}
