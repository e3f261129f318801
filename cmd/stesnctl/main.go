package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	flag "github.com/spf13/pflag"

	"stesn/internal/dataset"
	"stesn/internal/engine"
	"stesn/internal/model"
	"stesn/internal/storage"
	"stesn/pkg/stesn"
)

const (
	artifactsDir = "runs"
	exportsDir   = "exports"
	dbPath       = "stesn.db"
)

var stdout io.Writer = os.Stdout

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "init":
		return runInit(ctx, args[1:])
	case "create":
		return runCreate(ctx, args[1:])
	case "fit":
		return runFit(ctx, args[1:])
	case "predict":
		return runPredict(ctx, args[1:])
	case "models":
		return runModels(ctx, args[1:])
	case "delete":
		return runDelete(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	case "generate":
		return runGenerate(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

type clientFlags struct {
	store     *string
	dbPath    *string
	artifacts *string
	logLevel  *string
}

func addClientFlags(fs *flag.FlagSet) clientFlags {
	return clientFlags{
		store:     fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite"),
		dbPath:    fs.String("db-path", dbPath, "sqlite database path"),
		artifacts: fs.String("artifacts", artifactsDir, "run artifacts directory"),
		logLevel:  fs.String("log-level", "warn", "log level: debug|info|warn|error"),
	}
}

func (f clientFlags) open(ctx context.Context) (*stesn.Client, error) {
	logger, err := newLogger(*f.logLevel)
	if err != nil {
		return nil, err
	}
	client, err := stesn.New(stesn.Options{
		StoreKind:    *f.store,
		DBPath:       *f.dbPath,
		ArtifactsDir: *f.artifacts,
		ExportsDir:   exportsDir,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	if err := client.Init(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// followVerbosity lowers the log level so engine progress lines are shown,
// unless --log-level was given explicitly.
func (f clientFlags) followVerbosity(fs *flag.FlagSet, verbosity int) {
	if fs.Changed("log-level") {
		return
	}
	switch {
	case verbosity >= 2:
		*f.logLevel = "debug"
	case verbosity == 1:
		*f.logLevel = "info"
	}
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SortFlags = false
	return fs
}

func runInit(ctx context.Context, args []string) error {
	fs := newFlagSet("init")
	cf := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := cf.open(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	fmt.Fprintf(stdout, "initialized store=%s\n", *cf.store)
	return nil
}

func runCreate(ctx context.Context, args []string) error {
	fs := newFlagSet("create")
	cf := addClientFlags(fs)
	name := fs.String("name", "", "model name")
	configPath := fs.String("config", "", "JSONC engine config file")
	ef := addEngineFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadEngineConfig(*configPath)
	if err != nil {
		return err
	}
	if err := ef.apply(&cfg); err != nil {
		return err
	}

	client, err := cf.open(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	info, err := client.CreateModel(ctx, stesn.CreateModelRequest{Name: *name, Config: cfg})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "created model_id=%s name=%s shape=%s reservoir=%d solver=%s averaged=%t\n",
		info.ID, info.Name, formatShape(info.InputShape), info.ReservoirSize, info.Solver, info.Averaged)
	return nil
}

func runFit(ctx context.Context, args []string) error {
	fs := newFlagSet("fit")
	cf := addClientFlags(fs)
	modelID := fs.String("model", "", "model id")
	inputPath := fs.String("input", "", "input tensor file")
	targetPath := fs.String("target", "", "target tensor file")
	transient := fs.Int("transient", 0, "leading steps to discard per series")
	verbosity := fs.IntP("verbose", "v", 0, "progress verbosity (0-2)")
	workers := fs.String("workers", "", "worker count override for this call")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *modelID == "" || *inputPath == "" || *targetPath == "" {
		return errors.New("fit requires --model, --input and --target")
	}
	nworkers, err := parseWorkers(*workers)
	if err != nil {
		return err
	}
	cf.followVerbosity(fs, *verbosity)

	input, err := dataset.Load(*inputPath)
	if err != nil {
		return err
	}
	target, err := dataset.Load(*targetPath)
	if err != nil {
		return err
	}

	client, err := cf.open(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	summary, err := client.Fit(ctx, stesn.FitRequest{
		ModelID:       *modelID,
		Input:         input,
		Output:        target,
		TransientTime: *transient,
		Verbosity:     *verbosity,
		Workers:       nworkers,
		InputPath:     *inputPath,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "fit run_id=%s model_id=%s locations=%s failures=%d training_rmse=%.6g elapsed=%s\n",
		summary.RunID, summary.ModelID, humanize.Comma(int64(summary.Locations)), len(summary.Failures),
		summary.TrainingRMSE, summary.Elapsed.Round(time.Millisecond))
	printFailures(summary.Failures)
	return nil
}

func runPredict(ctx context.Context, args []string) error {
	fs := newFlagSet("predict")
	cf := addClientFlags(fs)
	modelID := fs.String("model", "", "model id")
	inputPath := fs.String("input", "", "input tensor file")
	outPath := fs.String("out", "", "write the prediction tensor to this file")
	transient := fs.Int("transient", 0, "leading steps to discard")
	resetState := fs.Bool("reset-state", false, "start from zero states instead of the stored ones")
	verbosity := fs.IntP("verbose", "v", 0, "progress verbosity (0-2)")
	workers := fs.String("workers", "", "worker count override for this call")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *modelID == "" || *inputPath == "" {
		return errors.New("predict requires --model and --input")
	}
	nworkers, err := parseWorkers(*workers)
	if err != nil {
		return err
	}
	cf.followVerbosity(fs, *verbosity)

	input, err := dataset.Load(*inputPath)
	if err != nil {
		return err
	}

	client, err := cf.open(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	summary, err := client.Predict(ctx, stesn.PredictRequest{
		ModelID:       *modelID,
		Input:         input,
		TransientTime: *transient,
		Verbosity:     *verbosity,
		Workers:       nworkers,
		ResetState:    *resetState,
		InputPath:     *inputPath,
	})
	if err != nil {
		return err
	}
	if *outPath != "" {
		if err := dataset.Save(*outPath, summary.Prediction); err != nil {
			return err
		}
	}

	fmt.Fprintf(stdout, "predict run_id=%s model_id=%s shape=%s failures=%d elapsed=%s artifacts=%s\n",
		summary.RunID, summary.ModelID, formatShape(summary.Prediction.Shape), len(summary.Failures),
		summary.Elapsed.Round(time.Millisecond), summary.ArtifactsDir)
	printFailures(summary.Failures)
	return nil
}

func runModels(ctx context.Context, args []string) error {
	fs := newFlagSet("models")
	cf := addClientFlags(fs)
	jsonOut := fs.Bool("json", false, "emit models as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := cf.open(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	models, err := client.Models(ctx)
	if err != nil {
		return err
	}
	if *jsonOut {
		return encodeJSON(models)
	}
	if len(models) == 0 {
		fmt.Fprintln(stdout, "no models found")
		return nil
	}
	for _, m := range models {
		fmt.Fprintf(stdout, "model_id=%s name=%s shape=%s reservoir=%d solver=%s averaged=%t fitted=%t updated=%s\n",
			m.ID, m.Name, formatShape(m.InputShape), m.ReservoirSize, m.Solver, m.Averaged, m.Fitted, humanize.Time(m.UpdatedAt))
	}
	return nil
}

func runDelete(ctx context.Context, args []string) error {
	fs := newFlagSet("delete")
	cf := addClientFlags(fs)
	modelID := fs.String("model", "", "model id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *modelID == "" {
		return errors.New("delete requires --model")
	}

	client, err := cf.open(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.DeleteModel(ctx, *modelID); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "deleted model_id=%s\n", *modelID)
	return nil
}

func runRuns(ctx context.Context, args []string) error {
	fs := newFlagSet("runs")
	cf := addClientFlags(fs)
	modelID := fs.String("model", "", "only list runs of this model")
	limit := fs.Int("limit", 20, "max runs to list")
	jsonOut := fs.Bool("json", false, "emit runs as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	client, err := cf.open(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	runs, err := client.Runs(ctx, stesn.RunsRequest{ModelID: *modelID, Limit: *limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		return encodeJSON(runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(stdout, "no runs found")
		return nil
	}
	for _, r := range runs {
		rmse := "n/a"
		if r.Kind == model.RunKindFit {
			rmse = fmt.Sprintf("%.6g", r.TrainingRMSE)
		}
		fmt.Fprintf(stdout, "run_id=%s kind=%s model_id=%s input=%s locations=%s failures=%d training_rmse=%s elapsed=%s started=%s\n",
			r.ID, r.Kind, r.ModelID, formatShape(r.InputShape), humanize.Comma(int64(r.Locations)), len(r.Failures),
			rmse, r.Elapsed.Round(time.Millisecond), humanize.Time(r.StartedAt))
	}
	return nil
}

func runExport(ctx context.Context, args []string) error {
	fs := newFlagSet("export")
	cf := addClientFlags(fs)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "export the most recent run from run index")
	outDir := fs.String("out", exportsDir, "export output directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID != "" && *latest {
		return errors.New("use either --run-id or --latest, not both")
	}
	if *runID == "" && !*latest {
		return errors.New("export requires --run-id or --latest")
	}

	client, err := cf.open(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	exported, err := client.Export(ctx, stesn.ExportRequest{RunID: *runID, Latest: *latest, OutDir: *outDir})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "exported run_id=%s to=%s\n", exported.RunID, exported.Directory)
	return nil
}

func runGenerate(_ context.Context, args []string) error {
	def := dataset.DefaultWaveConfig()
	fs := newFlagSet("generate")
	shape := fs.IntSlice("shape", def.Shape, "spatial grid shape")
	steps := fs.Int("steps", def.Steps, "time steps per series")
	series := fs.Int("series", def.Series, "independent series")
	waves := fs.Int("waves", def.Waves, "superposed plane waves")
	speed := fs.Float64("speed", def.Speed, "phase advance per step")
	noise := fs.Float64("noise", def.Noise, "input noise level")
	seed := fs.Int64("seed", def.Seed, "random seed")
	inputPath := fs.String("input", "input.json", "input tensor output path")
	targetPath := fs.String("target", "target.json", "target tensor output path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	input, target, err := dataset.Wave(dataset.WaveConfig{
		Shape:  *shape,
		Steps:  *steps,
		Series: *series,
		Waves:  *waves,
		Speed:  *speed,
		Noise:  *noise,
		Seed:   *seed,
	})
	if err != nil {
		return err
	}
	if err := dataset.Save(*inputPath, input); err != nil {
		return err
	}
	if err := dataset.Save(*targetPath, target); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "generated shape=%s values=%s input=%s target=%s\n",
		formatShape(input.Shape), humanize.Comma(int64(len(input.Data))), *inputPath, *targetPath)
	return nil
}

func printFailures(failures []engine.LocationFailure) {
	const shown = 10
	for i, f := range failures {
		if i == shown {
			fmt.Fprintf(stdout, "  ... %d more\n", len(failures)-shown)
			return
		}
		fmt.Fprintf(stdout, "  failed location=%v index=%d reason=%s\n", []int(f.Location), f.Index, f.Reason)
	}
}

func formatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, n := range shape {
		parts[i] = fmt.Sprint(n)
	}
	return strings.Join(parts, "x")
}

func encodeJSON(value any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: stesnctl <init|create|fit|predict|models|delete|runs|export|generate> [flags]", msg)
}
