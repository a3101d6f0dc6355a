package ledger

import (
	"context"
	"time"

	"github.com/shubham1chawla/snapchat-memories-downloader/internal/manifest"
)

// Stage identifies one step of the download-expand-tag pipeline.
type Stage string

const (
	StageDownload Stage = "download"
	StageExpand   Stage = "expand"
	StageMetadata Stage = "metadata"
)

// Status is the recorded outcome of a unit at one stage.
type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Record is one persisted unit/stage transition.
type Record struct {
	UnitID    string
	Stage     Stage
	Status    Status
	Error     string
	UpdatedAt time.Time
}

// Unit is a processable work item the ledger remembers across runs: either a
// manifest entry or a member recovered from an expanded bundle. Persisting
// the local path, bundle flag and inherited capture metadata lets a resumed
// run pick up mid-pipeline without re-fetching or re-extracting anything.
type Unit struct {
	ID          string
	ParentID    string
	LocalPath   string
	Bundle      bool
	CapturedAt  time.Time
	Coordinates *manifest.Coordinates
}

// Member reports whether the unit came out of an expanded bundle.
func (u Unit) Member() bool {
	return u.ParentID != ""
}

// Run is one pipeline invocation recorded for the run history.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Downloaded int
	Expanded   int
	Tagged     int
	Failed     int
}

// Store persists pipeline progress so interrupted runs resume instead of
// redoing work. Every stage consults it before acting and records after.
// Implementations are single-writer; the tool must not run twice against the
// same output directory.
type Store interface {
	GetStage(ctx context.Context, unitID string, stage Stage) (Record, bool, error)
	PutStage(ctx context.Context, rec Record) error

	GetUnit(ctx context.Context, unitID string) (Unit, bool, error)
	PutUnit(ctx context.Context, unit Unit) error
	ListUnits(ctx context.Context) ([]Unit, error)

	RecordRun(ctx context.Context, run Run) error
}
