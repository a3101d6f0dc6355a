package pipeline

import "errors"

// DownloadStatus is the terminal outcome of fetching one entry; retries
// happen inside a single Fetch call, so only the end states surface.
type DownloadStatus string

const (
	DownloadSucceeded DownloadStatus = "succeeded"
	DownloadExhausted DownloadStatus = "failed_exhausted"
)

// DownloadedAsset is the outcome of fetching one manifest entry.
type DownloadedAsset struct {
	EntryID   string
	LocalPath string
	Status    DownloadStatus

	// Resumed is true when the ledger already had this entry downloaded and
	// no network access happened.
	Resumed bool

	// Reason carries the final error message when Status is exhausted.
	Reason string
}

// ErrExhausted marks a fetch that failed on every allowed attempt.
var ErrExhausted = errors.New("download attempts exhausted")

// UnitError is one per-unit failure surfaced in the final summary.
type UnitError struct {
	UnitID string
	Stage  string
	Reason string
}
