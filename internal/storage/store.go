package storage

import (
	"context"

	"stesn/internal/model"
)

// Store defines transaction-like persistence operations for trained models
// and the runs made against them.
type Store interface {
	Init(ctx context.Context) error
	SaveModel(ctx context.Context, record model.ModelRecord) error
	GetModel(ctx context.Context, id string) (model.ModelRecord, bool, error)
	ListModels(ctx context.Context) ([]model.ModelInfo, error)
	DeleteModel(ctx context.Context, id string) (bool, error)
	SaveRun(ctx context.Context, run model.RunRecord) error
	GetRun(ctx context.Context, id string) (model.RunRecord, bool, error)
	// ListRuns returns runs newest first; an empty modelID lists all runs.
	ListRuns(ctx context.Context, modelID string) ([]model.RunRecord, error)
}
