package dataset

import (
	"fmt"
	"math"
	"math/rand"

	"stesn/internal/grid"
)

// WaveConfig describes a field of plane waves travelling over a grid.
type WaveConfig struct {
	Shape  []int
	Steps  int
	Series int
	// Waves is the number of superposed plane waves.
	Waves int
	// Speed is the phase advance per time step.
	Speed float64
	Noise float64
	Seed  int64
}

func DefaultWaveConfig() WaveConfig {
	return WaveConfig{Shape: []int{8, 8}, Steps: 200, Series: 1, Waves: 2, Speed: 0.2}
}

// Wave generates a next-step prediction task: output at step t is the
// noiseless field at step t+1 of the same series. Both tensors are shaped
// (time, *grid), or (series, time, *grid) when Series > 1.
func Wave(cfg WaveConfig) (input, output grid.Tensor, err error) {
	if err := grid.Shape(cfg.Shape).Validate(); err != nil {
		return grid.Tensor{}, grid.Tensor{}, err
	}
	if cfg.Steps < 1 {
		return grid.Tensor{}, grid.Tensor{}, fmt.Errorf("steps must be >= 1, got %d", cfg.Steps)
	}
	if cfg.Series < 1 {
		cfg.Series = 1
	}
	if cfg.Waves < 1 {
		cfg.Waves = 1
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	dims := len(cfg.Shape)
	indexer, err := grid.NewIndexer(cfg.Shape)
	if err != nil {
		return grid.Tensor{}, grid.Tensor{}, err
	}
	locations := indexer.Locations()
	frame := len(locations)

	lead := []int{cfg.Steps}
	if cfg.Series > 1 {
		lead = []int{cfg.Series, cfg.Steps}
	}
	input = grid.NewTensor(append(lead, cfg.Shape...)...)
	output = grid.NewTensor(append(lead, cfg.Shape...)...)

	type plane struct {
		k     []float64
		phase float64
		amp   float64
	}
	for s := 0; s < cfg.Series; s++ {
		planes := make([]plane, cfg.Waves)
		for w := range planes {
			k := make([]float64, dims)
			for d := range k {
				k[d] = (rng.Float64()*2 - 1) * math.Pi / 2
			}
			planes[w] = plane{k: k, phase: rng.Float64() * 2 * math.Pi, amp: 1 / float64(cfg.Waves)}
		}
		field := func(t int, loc grid.Location) float64 {
			v := 0.0
			for _, p := range planes {
				arg := p.phase - cfg.Speed*float64(t)
				for d, c := range loc {
					arg += p.k[d] * float64(c)
				}
				v += p.amp * math.Sin(arg)
			}
			return v
		}

		base := s * cfg.Steps * frame
		for t := 0; t < cfg.Steps; t++ {
			for i, loc := range locations {
				off := base + t*frame + i
				input.Data[off] = field(t, loc) + cfg.Noise*rng.NormFloat64()
				output.Data[off] = field(t+1, loc)
			}
		}
	}
	return input, output, nil
}
