package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shubham1chawla/snapchat-memories-downloader/internal/exif"
	"github.com/shubham1chawla/snapchat-memories-downloader/internal/ledger"
	"github.com/shubham1chawla/snapchat-memories-downloader/internal/manifest"
	"github.com/shubham1chawla/snapchat-memories-downloader/pkg/log"
)

// Summary is the user-facing account of one pipeline run.
type Summary struct {
	RunID string

	Downloaded      int
	DownloadSkipped int
	DownloadFailed  int

	Expanded      int
	ExpandSkipped int
	ExpandFailed  int

	Tagged     int
	TagSkipped int
	TagFailed  int

	Errors []UnitError
}

// Failed is the total number of units that ended a stage in failure.
func (s Summary) Failed() int {
	return s.DownloadFailed + s.ExpandFailed + s.TagFailed
}

// Coordinator drives the three passes over the manifest: download all,
// expand all bundles, then apply metadata to every resulting unit. Each pass
// consults the ledger first, so an interrupted run resumes at the first
// incomplete unit without redoing finished work.
type Coordinator struct {
	store      ledger.Store
	downloader *Downloader
	expander   *Expander
	tagger     exif.Tagger
}

func NewCoordinator(store ledger.Store, downloader *Downloader, expander *Expander, tagger exif.Tagger) *Coordinator {
	return &Coordinator{
		store:      store,
		downloader: downloader,
		expander:   expander,
		tagger:     tagger,
	}
}

// Run processes the manifest end to end and records the run in the ledger's
// history. Per-unit failures are collected into the summary; a returned
// error means the run itself could not continue (ledger integrity or
// cancellation).
func (c *Coordinator) Run(ctx context.Context, entries []manifest.Entry) (Summary, error) {
	summary := Summary{RunID: uuid.NewString()}
	startedAt := time.Now()

	if err := c.downloadAll(ctx, entries, &summary); err != nil {
		return summary, err
	}
	if err := c.expandAll(ctx, &summary); err != nil {
		return summary, err
	}
	if err := c.applyMetadataAll(ctx, &summary); err != nil {
		return summary, err
	}

	run := ledger.Run{
		ID:         summary.RunID,
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
		Downloaded: summary.Downloaded,
		Expanded:   summary.Expanded,
		Tagged:     summary.Tagged,
		Failed:     summary.Failed(),
	}
	if err := c.store.RecordRun(ctx, run); err != nil {
		return summary, fmt.Errorf("record run: %w", err)
	}
	return summary, nil
}

func (c *Coordinator) downloadAll(ctx context.Context, entries []manifest.Entry, summary *Summary) error {
	log.Info("Downloading %d memories...", len(entries))

	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		if !entry.Fetchable() {
			log.Warn("Skipping %s: missing download link", entry.ID)
			if err := c.store.PutStage(ctx, ledger.Record{
				UnitID:    entry.ID,
				Stage:     ledger.StageDownload,
				Status:    ledger.StatusFailed,
				Error:     "missing download link",
				UpdatedAt: time.Now(),
			}); err != nil {
				return fmt.Errorf("record missing link for %s: %w", entry.ID, err)
			}
			summary.DownloadFailed++
			summary.Errors = append(summary.Errors, UnitError{
				UnitID: entry.ID,
				Stage:  string(ledger.StageDownload),
				Reason: "missing download link",
			})
			continue
		}

		asset, err := c.downloader.Fetch(ctx, entry)
		if err != nil {
			return err
		}
		switch {
		case asset.Resumed:
			log.Info("[%d/%d] Already downloaded: %s", i+1, len(entries), entry.ID)
			summary.DownloadSkipped++
		case asset.Status == DownloadSucceeded:
			log.Info("[%d/%d] Downloaded: %s", i+1, len(entries), asset.LocalPath)
			summary.Downloaded++
		default:
			log.Error("[%d/%d] Download failed for %s: %s", i+1, len(entries), entry.ID, asset.Reason)
			summary.DownloadFailed++
			summary.Errors = append(summary.Errors, UnitError{
				UnitID: entry.ID,
				Stage:  string(ledger.StageDownload),
				Reason: asset.Reason,
			})
		}
	}
	return nil
}

func (c *Coordinator) expandAll(ctx context.Context, summary *Summary) error {
	units, err := c.store.ListUnits(ctx)
	if err != nil {
		return fmt.Errorf("list units: %w", err)
	}

	for _, unit := range units {
		if err := ctx.Err(); err != nil {
			return err
		}
		if unit.Member() {
			continue
		}

		result, err := c.expander.Expand(ctx, unit)
		if err != nil {
			return err
		}
		switch {
		case result.Resumed:
			if result.Bundle {
				summary.ExpandSkipped++
			}
		case result.Failed:
			summary.ExpandFailed++
			summary.Errors = append(summary.Errors, UnitError{
				UnitID: unit.ID,
				Stage:  string(ledger.StageExpand),
				Reason: result.Reason,
			})
		case result.Bundle:
			summary.Expanded++
		}
	}
	return nil
}

func (c *Coordinator) applyMetadataAll(ctx context.Context, summary *Summary) error {
	units, err := c.store.ListUnits(ctx)
	if err != nil {
		return fmt.Errorf("list units: %w", err)
	}

	for _, unit := range units {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Expanded archives are gone from disk; only their members carry on.
		if unit.Bundle || unit.LocalPath == "" {
			continue
		}

		// A unit only reaches this stage once the previous one finished:
		// direct entries need a completed expand record of their own, and
		// members need their parent's, so a partially-expanded bundle never
		// leaks half-tagged members.
		expandUnitID := unit.ID
		if unit.Member() {
			expandUnitID = unit.ParentID
		}
		expandRec, ok, err := c.store.GetStage(ctx, expandUnitID, ledger.StageExpand)
		if err != nil {
			return fmt.Errorf("read ledger for %s: %w", expandUnitID, err)
		}
		if !ok || expandRec.Status != ledger.StatusDone {
			continue
		}

		rec, ok, err := c.store.GetStage(ctx, unit.ID, ledger.StageMetadata)
		if err != nil {
			return fmt.Errorf("read ledger for %s: %w", unit.ID, err)
		}
		if ok && rec.Status == ledger.StatusDone {
			summary.TagSkipped++
			continue
		}

		if err := c.applyMetadata(ctx, unit); err != nil {
			log.Error("Failed to update metadata for %s: %v", unit.ID, err)
			if lerr := c.store.PutStage(ctx, ledger.Record{
				UnitID:    unit.ID,
				Stage:     ledger.StageMetadata,
				Status:    ledger.StatusFailed,
				Error:     err.Error(),
				UpdatedAt: time.Now(),
			}); lerr != nil {
				return fmt.Errorf("record metadata failure for %s: %w", unit.ID, lerr)
			}
			summary.TagFailed++
			summary.Errors = append(summary.Errors, UnitError{
				UnitID: unit.ID,
				Stage:  string(ledger.StageMetadata),
				Reason: err.Error(),
			})
			continue
		}

		if err := c.store.PutStage(ctx, ledger.Record{
			UnitID:    unit.ID,
			Stage:     ledger.StageMetadata,
			Status:    ledger.StatusDone,
			UpdatedAt: time.Now(),
		}); err != nil {
			return fmt.Errorf("record metadata for %s: %w", unit.ID, err)
		}
		log.Info("Updated metadata: %s", unit.LocalPath)
		summary.Tagged++
	}
	return nil
}

// applyMetadata writes the embedded tags first, then aligns the filesystem
// timestamps so both agree on the capture time.
func (c *Coordinator) applyMetadata(ctx context.Context, unit ledger.Unit) error {
	tags := exif.TagSet{
		CapturedAt:  unit.CapturedAt,
		Coordinates: unit.Coordinates,
	}
	if err := c.tagger.Apply(ctx, unit.LocalPath, tags); err != nil {
		return err
	}
	return exif.SetFileTimes(unit.LocalPath, unit.CapturedAt)
}
