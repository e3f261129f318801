package model

import (
	"time"

	"stesn/internal/engine"
)

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// ModelRecord is a named, persisted engine.
type ModelRecord struct {
	VersionedRecord
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Snapshot  engine.Snapshot `json:"snapshot"`
}

// ModelInfo is the listing view of a ModelRecord without weights or states.
type ModelInfo struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	InputShape    []int     `json:"input_shape"`
	ReservoirSize int       `json:"reservoir_size"`
	Solver        string    `json:"solver"`
	Averaged      bool      `json:"averaged"`
	Fitted        bool      `json:"fitted"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (r ModelRecord) Info() ModelInfo {
	cfg := r.Snapshot.Config
	return ModelInfo{
		ID:            r.ID,
		Name:          r.Name,
		InputShape:    append([]int(nil), cfg.InputShape...),
		ReservoirSize: cfg.ReservoirSize,
		Solver:        cfg.Solver,
		Averaged:      cfg.AverageOutputWeights,
		Fitted:        r.Snapshot.Fitted,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

const (
	RunKindFit     = "fit"
	RunKindPredict = "predict"
)

// RunRecord describes one Fit or Predict call against a stored model.
type RunRecord struct {
	VersionedRecord
	ID            string                   `json:"id"`
	ModelID       string                   `json:"model_id"`
	Kind          string                   `json:"kind"`
	StartedAt     time.Time                `json:"started_at"`
	Elapsed       time.Duration            `json:"elapsed"`
	InputShape    []int                    `json:"input_shape"`
	TransientTime int                      `json:"transient_time"`
	Locations     int                      `json:"locations"`
	Failures      []engine.LocationFailure `json:"failures,omitempty"`
	TrainingRMSE  float64                  `json:"training_rmse,omitempty"`
}
