package models

import (
	"encoding/json"
	"time"
)

type BatchStatus string

const (
	BatchQueued  BatchStatus = "QUEUED"
	BatchRunning BatchStatus = "RUNNING"
	BatchDone    BatchStatus = "DONE"
	BatchFailed  BatchStatus = "FAILED"
)

// Scene is an uploaded base document.
type Scene struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Provider  string     `json:"provider"`
	ObjectKey string     `json:"object_key"`
	Mime      string     `json:"mime"`
	SizeBytes int64      `json:"size_bytes"`
	CreatedAt time.Time  `json:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Batch is one persisted render batch. Request holds the submitted
// variations and options as JSON.
type Batch struct {
	ID        string          `json:"id"`
	SceneID   string          `json:"scene_id"`
	Status    BatchStatus     `json:"status"`
	Policy    string          `json:"policy"`
	Request   json.RawMessage `json:"request,omitempty"`
	Total     int             `json:"total"`
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`

	BundleKey      string `json:"bundle_key,omitempty"`
	BundleName     string `json:"bundle_name,omitempty"`
	BundleSize     int64  `json:"bundle_size,omitempty"`
	BundleChecksum string `json:"bundle_checksum,omitempty"`

	ErrorCode string `json:"error_code,omitempty"`
	ErrorText string `json:"error_text,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Terminal reports whether the batch will not change anymore.
func (b *Batch) Terminal() bool {
	return b.Status == BatchDone || b.Status == BatchFailed
}

// Outcome is the persisted result of one variation.
type Outcome struct {
	BatchID     string `json:"-"`
	Position    int    `json:"position"`
	VariationID string `json:"variation_id"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
	ExitCode    int    `json:"exit_code,omitempty"`
	Signal      string `json:"signal,omitempty"`
	Stderr      string `json:"stderr,omitempty"`
	OutputName  string `json:"output_name,omitempty"`
	DurationMS  int64  `json:"duration_ms"`
}
