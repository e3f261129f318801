package engine

import (
	"context"
	"fmt"
	"time"

	"gonum.org/v1/gonum/mat"

	"stesn/internal/grid"
	"stesn/internal/patch"
	"stesn/internal/readout"
	"stesn/internal/scheduler"
)

type FitOptions struct {
	// TransientTime is the number of leading steps of every series whose
	// states are discarded before solving.
	TransientTime int
	Verbosity     int
}

type FitResult struct {
	Locations int               `json:"locations"`
	Failures  []LocationFailure `json:"failures,omitempty"`
	// TrainingRMSE is the mean per-location training error over the
	// locations that were fitted.
	TrainingRMSE float64       `json:"training_rmse"`
	Elapsed      time.Duration `json:"elapsed"`
}

type fitRun struct {
	call      uint64
	transient int
	inputs    []grid.Tensor
	outputs   []grid.Tensor
}

// Fit trains one readout per location. input and output are shaped
// (time, *grid) or (series, time, *grid); with several series the reservoir
// state carries over from one series to the next and each series drops its
// own transient. Persistent states and readout weights are cleared first.
// Locations whose readout cannot be solved are reported in FitResult and
// excluded from the model.
func (e *Engine) Fit(ctx context.Context, input, output grid.Tensor, opts FitOptions) (FitResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	started := time.Now()

	inputs, err := e.splitSeries("input", input, true)
	if err != nil {
		return FitResult{}, err
	}
	outputs, err := e.splitSeries("output", output, true)
	if err != nil {
		return FitResult{}, err
	}
	if !grid.Shape(input.Shape).Equal(output.Shape) {
		return FitResult{}, fmt.Errorf("%w: input shape %v does not match output shape %v", ErrConfig, input.Shape, output.Shape)
	}
	if err := checkTransient(opts.TransientTime, inputs); err != nil {
		return FitResult{}, err
	}
	padded, err := e.padSeries(inputs)
	if err != nil {
		return FitResult{}, err
	}

	for _, x := range e.xs {
		clear(x)
	}
	e.pool.Reset()
	e.clearWeights()
	e.fitted = false
	e.calls++
	run := &fitRun{call: e.calls, transient: opts.TransientTime, inputs: padded, outputs: outputs}

	total := len(e.locations)
	red := newReduction(e.logger, "fit", total, opts.Verbosity)
	scale := 1.0 / float64(total)
	rmseSum := 0.0
	fittedCount := 0

	if opts.Verbosity >= 1 {
		e.logger.Info("fit started", "locations", total, "series", len(padded), "workers", e.workers, "solver", e.solver.Name())
	}

	err = scheduler.Run(ctx, e.jobs(), e.schedulerOptions(),
		func(ctx context.Context, j job) result { return e.fitJob(ctx, run, j) },
		func(res result) {
			if !red.accept(res) {
				return
			}
			if res.state != nil {
				copy(e.xs[res.index], res.state)
			}
			if res.err != nil {
				return
			}
			if e.cfg.AverageOutputWeights {
				e.averaged.Add(e.averaged, scaled(res.wout, scale))
			} else {
				e.perLoc[res.index] = res.wout
			}
			rmseSum += res.rmse
			fittedCount++
		},
	)
	if err != nil {
		e.clearWeights()
		return FitResult{}, fmt.Errorf("fit: %w", err)
	}
	if red.dup != nil {
		e.clearWeights()
		return FitResult{}, fmt.Errorf("fit: %w", red.dup)
	}
	e.fitted = true

	out := FitResult{Locations: total, Failures: red.failures, Elapsed: time.Since(started)}
	if fittedCount > 0 {
		out.TrainingRMSE = rmseSum / float64(fittedCount)
	}
	if opts.Verbosity >= 1 {
		e.logger.Info("fit finished", "fitted", fittedCount, "failed", len(red.failures), "training_rmse", out.TrainingRMSE, "elapsed", out.Elapsed)
	}
	return out, nil
}

func (e *Engine) fitJob(ctx context.Context, run *fitRun, j job) (res result) {
	res = result{loc: j.loc, index: j.index}
	defer recoverJob(&res)

	res.err = e.pool.With(ctx, func(_ int, state []float64) error {
		copy(state, e.xs[j.index])
		defer func() { res.state = append([]float64(nil), state...) }()

		rng := e.noiseSource(run.call, j.index)
		designs := make([]*mat.Dense, 0, len(run.inputs))
		targets := make([][]float64, 0, len(run.inputs))
		var raw []float64
		for s := range run.inputs {
			window, err := e.extractor.Window(run.inputs[s], j.loc)
			if err != nil {
				return fmt.Errorf("series %d: extract patch: %w", s, err)
			}
			if err := checkFinite(fmt.Sprintf("series %d input", s), window); err != nil {
				return err
			}
			X, err := e.prop.Propagate(window, run.transient, state, rng)
			if err != nil {
				return fmt.Errorf("series %d: propagate: %w", s, err)
			}
			y, err := patch.Target(run.outputs[s], j.loc)
			if err != nil {
				return fmt.Errorf("series %d: target: %w", s, err)
			}
			y = y[run.transient:]
			inv := make([]float64, len(y))
			for i, v := range y {
				inv[i] = e.outInv(v)
				if !isFinite(inv[i]) {
					return fmt.Errorf("%w: series %d step %d value %v", ErrTarget, s, run.transient+i, v)
				}
			}
			designs = append(designs, X)
			targets = append(targets, inv)
			raw = append(raw, y...)
		}

		X, Y, err := readout.Stack(designs, targets)
		if err != nil {
			return err
		}
		wout, err := e.solver.Solve(X, Y)
		if err != nil {
			return err
		}
		if err := checkFinite("readout", wout); err != nil {
			return err
		}
		fitted, err := readout.Apply(wout, X)
		if err != nil {
			return err
		}
		for i, v := range fitted {
			fitted[i] = e.outAct(v)
		}
		res.wout = wout
		res.rmse = rmse(fitted, raw)
		return nil
	})
	return res
}

func scaled(m *mat.Dense, f float64) *mat.Dense {
	var out mat.Dense
	out.Scale(f, m)
	return &out
}
