package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"stesn/internal/grid"
	"stesn/internal/readout"
	"stesn/internal/scheduler"
)

type PredictOptions struct {
	TransientTime int
	Verbosity     int
}

type PredictResult struct {
	Locations int               `json:"locations"`
	Failures  []LocationFailure `json:"failures,omitempty"`
	Elapsed   time.Duration     `json:"elapsed"`
}

// Predict drives every location with input, shaped (time, *grid), starting
// from its persistent state and returns the readout output shaped
// (time-transient, *grid). Persistent states advance to the end of input.
// A location that cannot be predicted is filled with NaN and reported.
func (e *Engine) Predict(ctx context.Context, input grid.Tensor, opts PredictOptions) (grid.Tensor, PredictResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	started := time.Now()

	if !e.fitted {
		return grid.Tensor{}, PredictResult{}, ErrNotFitted
	}
	series, err := e.splitSeries("input", input, false)
	if err != nil {
		return grid.Tensor{}, PredictResult{}, err
	}
	if err := checkTransient(opts.TransientTime, series); err != nil {
		return grid.Tensor{}, PredictResult{}, err
	}
	padded, err := e.padSeries(series)
	if err != nil {
		return grid.Tensor{}, PredictResult{}, err
	}
	e.pool.Reset()
	e.calls++
	call := e.calls
	source := padded[0]

	steps := input.Shape[0] - opts.TransientTime
	outShape := append([]int{steps}, e.cfg.InputShape...)
	out := grid.NewTensor(outShape...)
	strides := out.Strides()

	total := len(e.locations)
	red := newReduction(e.logger, "predict", total, opts.Verbosity)

	err = scheduler.Run(ctx, e.jobs(), e.schedulerOptions(),
		func(ctx context.Context, j job) result { return e.predictJob(ctx, call, source, opts.TransientTime, j) },
		func(res result) {
			if !red.accept(res) {
				return
			}
			if res.state != nil {
				copy(e.xs[res.index], res.state)
			}
			off := 0
			for axis, c := range res.loc {
				off += c * strides[axis+1]
			}
			for t := 0; t < steps; t++ {
				v := math.NaN()
				if res.err == nil {
					v = res.series[t]
				}
				out.Data[t*strides[0]+off] = v
			}
		},
	)
	if err != nil {
		return grid.Tensor{}, PredictResult{}, fmt.Errorf("predict: %w", err)
	}
	if red.dup != nil {
		return grid.Tensor{}, PredictResult{}, fmt.Errorf("predict: %w", red.dup)
	}
	return out, PredictResult{Locations: total, Failures: red.failures, Elapsed: time.Since(started)}, nil
}

func (e *Engine) predictJob(ctx context.Context, call uint64, source grid.Tensor, transient int, j job) (res result) {
	res = result{loc: j.loc, index: j.index}
	defer recoverJob(&res)

	wout := e.readoutFor(j.index)
	res.err = e.pool.With(ctx, func(_ int, state []float64) error {
		copy(state, e.xs[j.index])
		defer func() { res.state = append([]float64(nil), state...) }()

		window, err := e.extractor.Window(source, j.loc)
		if err != nil {
			return fmt.Errorf("extract patch: %w", err)
		}
		if err := checkFinite("input", window); err != nil {
			return err
		}
		X, err := e.prop.Propagate(window, transient, state, e.noiseSource(call, j.index))
		if err != nil {
			return fmt.Errorf("propagate: %w", err)
		}
		if wout == nil {
			return ErrNoWeights
		}
		y, err := readout.Apply(wout, X)
		if err != nil {
			return err
		}
		for i, v := range y {
			y[i] = e.outAct(v)
		}
		res.series = y
		return nil
	})
	return res
}

func (e *Engine) readoutFor(index int) *mat.Dense {
	if e.cfg.AverageOutputWeights {
		return e.averaged
	}
	return e.perLoc[index]
}
