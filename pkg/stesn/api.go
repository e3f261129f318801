// Package stesn is the library facade over the spatio-temporal echo state
// network: models are created, fitted and run against a persistent store,
// and every fit or predict call leaves a run record and an artifacts
// directory behind.
package stesn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"stesn/internal/engine"
	"stesn/internal/grid"
	"stesn/internal/model"
	"stesn/internal/stats"
	"stesn/internal/storage"
)

const (
	defaultArtifactsDir = "runs"
	defaultExportsDir   = "exports"
	defaultDBPath       = "stesn.db"
)

var ErrModelNotFound = errors.New("model not found")

type Options struct {
	StoreKind    string
	DBPath       string
	ArtifactsDir string
	ExportsDir   string
	Logger       *slog.Logger
}

type Client struct {
	store  storage.Store
	logger *slog.Logger

	artifactsDir string
	exportsDir   string
}

type CreateModelRequest struct {
	Name   string
	Config engine.Config
}

type FitRequest struct {
	ModelID       string
	Input         grid.Tensor
	Output        grid.Tensor
	TransientTime int
	Verbosity     int
	// Workers overrides the stored worker count for this call when > 0.
	Workers   int
	InputPath string
}

type FitSummary struct {
	RunID        string
	ModelID      string
	Locations    int
	Failures     []engine.LocationFailure
	TrainingRMSE float64
	Elapsed      time.Duration
	ArtifactsDir string
}

type PredictRequest struct {
	ModelID       string
	Input         grid.Tensor
	TransientTime int
	Verbosity     int
	Workers       int
	// ResetState starts every location from a zero state instead of
	// continuing from the stored states.
	ResetState bool
	InputPath  string
}

type PredictSummary struct {
	RunID        string
	ModelID      string
	Prediction   grid.Tensor
	Failures     []engine.LocationFailure
	Elapsed      time.Duration
	ArtifactsDir string
}

type RunsRequest struct {
	ModelID string
	Limit   int
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	artifactsDir := opts.ArtifactsDir
	if artifactsDir == "" {
		artifactsDir = defaultArtifactsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:        store,
		logger:       logger,
		artifactsDir: artifactsDir,
		exportsDir:   exportsDir,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	return c.store.Init(ctx)
}

// CreateModel builds a fresh, unfitted engine from req.Config and stores it.
func (c *Client) CreateModel(ctx context.Context, req CreateModelRequest) (model.ModelInfo, error) {
	e, err := engine.New(req.Config)
	if err != nil {
		return model.ModelInfo{}, err
	}
	snap, err := e.Snapshot()
	if err != nil {
		return model.ModelInfo{}, err
	}

	now := time.Now().UTC()
	record := model.ModelRecord{
		VersionedRecord: storage.CurrentVersion(),
		ID:              uuid.NewString(),
		Name:            strings.TrimSpace(req.Name),
		CreatedAt:       now,
		UpdatedAt:       now,
		Snapshot:        snap,
	}
	if record.Name == "" {
		record.Name = record.ID[:8]
	}
	if err := c.store.SaveModel(ctx, record); err != nil {
		return model.ModelInfo{}, fmt.Errorf("save model: %w", err)
	}
	c.logger.Info("model created", "model_id", record.ID, "name", record.Name, "locations", e.Locations(), "features", e.Features())
	return record.Info(), nil
}

func (c *Client) Models(ctx context.Context) ([]model.ModelInfo, error) {
	return c.store.ListModels(ctx)
}

func (c *Client) Model(ctx context.Context, id string) (model.ModelRecord, error) {
	record, ok, err := c.store.GetModel(ctx, id)
	if err != nil {
		return model.ModelRecord{}, err
	}
	if !ok {
		return model.ModelRecord{}, fmt.Errorf("%w: %s", ErrModelNotFound, id)
	}
	return record, nil
}

func (c *Client) DeleteModel(ctx context.Context, id string) error {
	deleted, err := c.store.DeleteModel(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("%w: %s", ErrModelNotFound, id)
	}
	return nil
}

// Fit trains the stored model on req and persists the result. Locations that
// fail are reported in the summary; only call-level errors are returned.
func (c *Client) Fit(ctx context.Context, req FitRequest) (FitSummary, error) {
	record, e, err := c.loadEngine(ctx, req.ModelID, req.Workers)
	if err != nil {
		return FitSummary{}, err
	}

	started := time.Now().UTC()
	res, err := e.Fit(ctx, req.Input, req.Output, engine.FitOptions{TransientTime: req.TransientTime, Verbosity: req.Verbosity})
	if err != nil {
		return FitSummary{}, err
	}
	if err := c.saveEngine(ctx, record, e); err != nil {
		return FitSummary{}, err
	}

	run := model.RunRecord{
		VersionedRecord: storage.CurrentVersion(),
		ID:              uuid.NewString(),
		ModelID:         record.ID,
		Kind:            model.RunKindFit,
		StartedAt:       started,
		Elapsed:         res.Elapsed,
		InputShape:      append([]int(nil), req.Input.Shape...),
		TransientTime:   req.TransientTime,
		Locations:       res.Locations,
		Failures:        res.Failures,
		TrainingRMSE:    res.TrainingRMSE,
	}
	dir, err := c.recordRun(ctx, run, e.Config(), req.InputPath, req.Verbosity, nil)
	if err != nil {
		return FitSummary{}, err
	}

	return FitSummary{
		RunID:        run.ID,
		ModelID:      record.ID,
		Locations:    res.Locations,
		Failures:     res.Failures,
		TrainingRMSE: res.TrainingRMSE,
		Elapsed:      res.Elapsed,
		ArtifactsDir: dir,
	}, nil
}

// Predict runs the stored model over req.Input and persists the advanced
// per-location states.
func (c *Client) Predict(ctx context.Context, req PredictRequest) (PredictSummary, error) {
	record, e, err := c.loadEngine(ctx, req.ModelID, req.Workers)
	if err != nil {
		return PredictSummary{}, err
	}
	if req.ResetState {
		e.ClearStates()
		if err := e.ResetState(nil); err != nil {
			return PredictSummary{}, err
		}
	}

	started := time.Now().UTC()
	pred, res, err := e.Predict(ctx, req.Input, engine.PredictOptions{TransientTime: req.TransientTime, Verbosity: req.Verbosity})
	if err != nil {
		return PredictSummary{}, err
	}
	if err := c.saveEngine(ctx, record, e); err != nil {
		return PredictSummary{}, err
	}

	run := model.RunRecord{
		VersionedRecord: storage.CurrentVersion(),
		ID:              uuid.NewString(),
		ModelID:         record.ID,
		Kind:            model.RunKindPredict,
		StartedAt:       started,
		Elapsed:         res.Elapsed,
		InputShape:      append([]int(nil), req.Input.Shape...),
		TransientTime:   req.TransientTime,
		Locations:       res.Locations,
		Failures:        res.Failures,
	}
	dir, err := c.recordRun(ctx, run, e.Config(), req.InputPath, req.Verbosity, &pred)
	if err != nil {
		return PredictSummary{}, err
	}

	return PredictSummary{
		RunID:        run.ID,
		ModelID:      record.ID,
		Prediction:   pred,
		Failures:     res.Failures,
		Elapsed:      res.Elapsed,
		ArtifactsDir: dir,
	}, nil
}

func (c *Client) Runs(ctx context.Context, req RunsRequest) ([]model.RunRecord, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}
	runs, err := c.store.ListRuns(ctx, req.ModelID)
	if err != nil {
		return nil, err
	}
	if len(runs) > req.Limit {
		runs = runs[:req.Limit]
	}
	return runs, nil
}

func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	if req.RunID != "" && req.Latest {
		return ExportSummary{}, errors.New("use either run id or latest")
	}
	if req.RunID == "" && !req.Latest {
		return ExportSummary{}, errors.New("export requires run id or latest")
	}
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}

	runID := req.RunID
	if req.Latest {
		entries, err := stats.ListRunIndex(c.artifactsDir)
		if err != nil {
			return ExportSummary{}, err
		}
		if len(entries) == 0 {
			return ExportSummary{}, errors.New("no runs available to export")
		}
		runID = entries[0].RunID
	}

	exportedDir, err := stats.ExportRunArtifacts(c.artifactsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

func (c *Client) loadEngine(ctx context.Context, id string, workers int) (model.ModelRecord, *engine.Engine, error) {
	record, err := c.Model(ctx, id)
	if err != nil {
		return model.ModelRecord{}, nil, err
	}
	snap := record.Snapshot
	if workers > 0 {
		snap.Config.Workers = workers
	}
	e, err := engine.Restore(snap, c.logger)
	if err != nil {
		return model.ModelRecord{}, nil, fmt.Errorf("restore model %s: %w", id, err)
	}
	return record, e, nil
}

func (c *Client) saveEngine(ctx context.Context, record model.ModelRecord, e *engine.Engine) error {
	snap, err := e.Snapshot()
	if err != nil {
		return err
	}
	// Per-call worker overrides are not persisted.
	snap.Config.Workers = record.Snapshot.Config.Workers
	record.Snapshot = snap
	record.UpdatedAt = time.Now().UTC()
	if err := c.store.SaveModel(ctx, record); err != nil {
		return fmt.Errorf("save model: %w", err)
	}
	return nil
}

func (c *Client) recordRun(ctx context.Context, run model.RunRecord, cfg engine.Config, inputPath string, verbosity int, pred *grid.Tensor) (string, error) {
	if err := c.store.SaveRun(ctx, run); err != nil {
		return "", fmt.Errorf("save run: %w", err)
	}

	dir, err := stats.WriteRunArtifacts(c.artifactsDir, stats.RunArtifacts{
		Config: stats.RunConfig{
			RunID:         run.ID,
			ModelID:       run.ModelID,
			Kind:          run.Kind,
			InputPath:     inputPath,
			InputShape:    run.InputShape,
			TransientTime: run.TransientTime,
			Verbosity:     verbosity,
			Engine:        cfg,
		},
		Diagnostics: stats.Diagnostics{
			Locations:    run.Locations,
			Failures:     run.Failures,
			TrainingRMSE: run.TrainingRMSE,
			ElapsedMS:    run.Elapsed.Milliseconds(),
		},
		Prediction: pred,
	})
	if err != nil {
		return "", fmt.Errorf("write run artifacts: %w", err)
	}

	if err := stats.AppendRunIndex(c.artifactsDir, stats.RunIndexEntry{
		RunID:        run.ID,
		ModelID:      run.ModelID,
		Kind:         run.Kind,
		InputShape:   run.InputShape,
		Locations:    run.Locations,
		Failures:     len(run.Failures),
		TrainingRMSE: run.TrainingRMSE,
		CreatedAtUTC: run.StartedAt.Format(time.RFC3339Nano),
	}); err != nil {
		return "", fmt.Errorf("append run index: %w", err)
	}
	return dir, nil
}
