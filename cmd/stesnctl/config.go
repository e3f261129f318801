package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	flag "github.com/spf13/pflag"
	"github.com/tailscale/hujson"

	"stesn/internal/engine"
)

// loadEngineConfig overlays the JSONC file at path on engine.DefaultConfig.
// "workers" may be a number or the string "auto".
func loadEngineConfig(path string) (engine.Config, error) {
	cfg := engine.DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return engine.Config{}, err
	}
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return engine.Config{}, fmt.Errorf("%s: invalid JSONC: %w", path, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(standardized, &raw); err != nil {
		return engine.Config{}, fmt.Errorf("%s: %w", path, err)
	}
	if value, ok := raw["workers"]; ok {
		var name string
		if json.Unmarshal(value, &name) == nil {
			workers, err := parseWorkers(name)
			if err != nil {
				return engine.Config{}, fmt.Errorf("%s: %w", path, err)
			}
			raw["workers"] = json.RawMessage(strconv.Itoa(workers))
		}
	}
	normalized, err := json.Marshal(raw)
	if err != nil {
		return engine.Config{}, err
	}

	dec := json.NewDecoder(bytes.NewReader(normalized))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return engine.Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// parseWorkers maps "auto" (or empty) to 0, which the engine resolves to
// one worker per spare CPU.
func parseWorkers(value string) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" || strings.EqualFold(value, "auto") {
		return 0, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("workers must be \"auto\" or a non-negative integer, got %q", value)
	}
	return n, nil
}

type engineFlags struct {
	fs *flag.FlagSet

	inputShape       *[]int
	reservoirSize    *int
	filterSize       *int
	stride           *int
	border           *string
	workers          *string
	chunkSize        *int
	average          *bool
	solver           *string
	regularization   *float64
	outputActivation *string
	spectralRadius   *float64
	leakingRate      *float64
	sparseness       *float64
	inputScaling     *float64
	noise            *float64
	activation       *string
	seed             *int64
}

func addEngineFlags(fs *flag.FlagSet) engineFlags {
	def := engine.DefaultConfig()
	return engineFlags{
		fs:               fs,
		inputShape:       fs.IntSlice("shape", nil, "spatial grid shape, e.g. 16,16"),
		reservoirSize:    fs.Int("reservoir-size", def.ReservoirSize, "reservoir units per location (required)"),
		filterSize:       fs.Int("filter-size", def.FilterSize, "odd patch width per spatial axis"),
		stride:           fs.Int("stride", def.Stride, "patch stride"),
		border:           fs.String("border", def.BorderMode, "border mode: mirror|padding|edge|wrap"),
		workers:          fs.String("workers", "auto", "worker count or auto"),
		chunkSize:        fs.Int("chunk-size", def.ChunkSize, "locations per dispatched chunk (0 picks one)"),
		average:          fs.Bool("average", def.AverageOutputWeights, "share one averaged readout across locations"),
		solver:           fs.String("solver", def.Solver, "readout solver: pinv|lsqr"),
		regularization:   fs.Float64("regularization", def.Regularization, "ridge regularization for lsqr"),
		outputActivation: fs.String("output-activation", def.OutputActivation, "invertible output activation"),
		spectralRadius:   fs.Float64("spectral-radius", def.Reservoir.SpectralRadius, "reservoir spectral radius"),
		leakingRate:      fs.Float64("leaking-rate", def.Reservoir.LeakingRate, "reservoir leaking rate"),
		sparseness:       fs.Float64("sparseness", def.Reservoir.Sparseness, "fraction of zero recurrent weights"),
		inputScaling:     fs.Float64("input-scaling", def.Reservoir.InputScaling, "input weight scaling"),
		noise:            fs.Float64("noise", def.Reservoir.NoiseLevel, "state noise level"),
		activation:       fs.String("activation", def.Reservoir.Activation, "reservoir activation"),
		seed:             fs.Int64("seed", def.Reservoir.Seed, "reservoir weight seed"),
	}
}

// apply overrides cfg with every flag set on the command line.
func (f engineFlags) apply(cfg *engine.Config) error {
	if f.fs.Changed("shape") {
		cfg.InputShape = append([]int(nil), (*f.inputShape)...)
	}
	if f.fs.Changed("reservoir-size") {
		cfg.ReservoirSize = *f.reservoirSize
	}
	if f.fs.Changed("filter-size") {
		cfg.FilterSize = *f.filterSize
	}
	if f.fs.Changed("stride") {
		cfg.Stride = *f.stride
	}
	if f.fs.Changed("border") {
		cfg.BorderMode = *f.border
	}
	if f.fs.Changed("workers") {
		workers, err := parseWorkers(*f.workers)
		if err != nil {
			return err
		}
		cfg.Workers = workers
	}
	if f.fs.Changed("chunk-size") {
		cfg.ChunkSize = *f.chunkSize
	}
	if f.fs.Changed("average") {
		cfg.AverageOutputWeights = *f.average
	}
	if f.fs.Changed("solver") {
		cfg.Solver = *f.solver
	}
	if f.fs.Changed("regularization") {
		cfg.Regularization = *f.regularization
	}
	if f.fs.Changed("output-activation") {
		cfg.OutputActivation = *f.outputActivation
	}
	if f.fs.Changed("spectral-radius") {
		cfg.Reservoir.SpectralRadius = *f.spectralRadius
	}
	if f.fs.Changed("leaking-rate") {
		cfg.Reservoir.LeakingRate = *f.leakingRate
	}
	if f.fs.Changed("sparseness") {
		cfg.Reservoir.Sparseness = *f.sparseness
	}
	if f.fs.Changed("input-scaling") {
		cfg.Reservoir.InputScaling = *f.inputScaling
	}
	if f.fs.Changed("noise") {
		cfg.Reservoir.NoiseLevel = *f.noise
	}
	if f.fs.Changed("activation") {
		cfg.Reservoir.Activation = *f.activation
	}
	if f.fs.Changed("seed") {
		cfg.Reservoir.Seed = *f.seed
	}
	return nil
}
