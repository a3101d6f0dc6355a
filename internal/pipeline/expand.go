package pipeline

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/shubham1chawla/snapchat-memories-downloader/internal/ledger"
	"github.com/shubham1chawla/snapchat-memories-downloader/pkg/file"
	"github.com/shubham1chawla/snapchat-memories-downloader/pkg/log"
)

// Expander turns bundle downloads into individual media files. Bundles are
// recognized by sniffing the downloaded bytes; export filenames lie.
type Expander struct {
	store  ledger.Store
	outDir string
}

func NewExpander(store ledger.Store, outDir string) *Expander {
	return &Expander{store: store, outDir: outDir}
}

// ExpandResult is the outcome of inspecting one downloaded entry.
type ExpandResult struct {
	// Members are the units recovered from a bundle, empty for plain files.
	Members []ledger.Unit
	// Bundle reports whether the file sniffed as a zip archive.
	Bundle bool
	// Failed is set when the archive was corrupt or unreadable; Reason
	// carries the recorded error.
	Failed bool
	Reason string
	// Resumed is true when the ledger already had this entry expanded.
	Resumed bool
}

// Expand inspects one downloaded entry and, when it is a zip bundle,
// extracts its members into the output directory named
// <entry id>_extracted_<n><ext> so the capture timestamp survives in the
// filename even if tagging later fails. Corrupt archives are recorded as
// failed and do not abort the run; only ledger errors come back as errors.
func (x *Expander) Expand(ctx context.Context, unit ledger.Unit) (ExpandResult, error) {
	rec, ok, err := x.store.GetStage(ctx, unit.ID, ledger.StageExpand)
	if err != nil {
		return ExpandResult{}, fmt.Errorf("read ledger for %s: %w", unit.ID, err)
	}
	if ok && rec.Status == ledger.StatusDone {
		// An abort between marking done and deleting the archive leaves it
		// behind; sweep it now so the output directory converges.
		if unit.Bundle && file.Exists(unit.LocalPath) {
			if err := os.Remove(unit.LocalPath); err != nil {
				log.Error("Failed to delete leftover archive %s: %v", unit.LocalPath, err)
			}
		}
		return ExpandResult{Bundle: unit.Bundle, Resumed: true}, nil
	}

	// Expansion not marked done but the file is gone: if the fan-out is
	// already in the ledger this is an interrupted run that got as far as
	// deleting the archive, so finish the bookkeeping instead of failing the
	// members into a dead end.
	if !file.Exists(unit.LocalPath) {
		members, err := x.recordedMembers(ctx, unit.ID)
		if err != nil {
			return ExpandResult{}, err
		}
		if len(members) > 0 {
			return x.completeBundle(ctx, unit, members)
		}
		return x.failResult(ctx, unit.ID, true, fmt.Errorf("archive %s is missing", unit.LocalPath))
	}

	mtype, err := mimetype.DetectFile(unit.LocalPath)
	if err != nil {
		return x.failResult(ctx, unit.ID, true, fmt.Errorf("sniff %s: %w", unit.LocalPath, err))
	}
	if !mtype.Is("application/zip") {
		// Plain media file, nothing to expand.
		return ExpandResult{}, x.markDone(ctx, unit.ID)
	}

	members, err := x.extract(ctx, unit)
	if err != nil {
		return x.failResult(ctx, unit.ID, true, err)
	}
	return x.completeBundle(ctx, unit, members)
}

// completeBundle records the parent as an expanded bundle, marks the stage
// done, and only then drops the transient archive. Ordering matters for
// crash safety: members are accounted for in the ledger before done is
// written, and a failed or interrupted delete is retried by the resume sweep
// rather than failing an otherwise complete expansion.
func (x *Expander) completeBundle(ctx context.Context, unit ledger.Unit, members []ledger.Unit) (ExpandResult, error) {
	unit.Bundle = true
	if err := x.store.PutUnit(ctx, unit); err != nil {
		return ExpandResult{}, fmt.Errorf("record bundle %s: %w", unit.ID, err)
	}
	if err := x.markDone(ctx, unit.ID); err != nil {
		return ExpandResult{}, err
	}
	if file.Exists(unit.LocalPath) {
		if err := os.Remove(unit.LocalPath); err != nil {
			log.Error("Failed to delete archive %s: %v", unit.LocalPath, err)
		}
	}

	log.Info("Expanded %s into %d member(s)", unit.ID, len(members))
	return ExpandResult{Members: members, Bundle: true}, nil
}

// recordedMembers returns the units a previous run already extracted from
// this parent.
func (x *Expander) recordedMembers(ctx context.Context, parentID string) ([]ledger.Unit, error) {
	units, err := x.store.ListUnits(ctx)
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	members := make([]ledger.Unit, 0)
	for _, u := range units {
		if u.ParentID == parentID {
			members = append(members, u)
		}
	}
	return members, nil
}

func (x *Expander) failResult(ctx context.Context, unitID string, bundle bool, cause error) (ExpandResult, error) {
	if err := x.markFailed(ctx, unitID, cause); err != nil {
		return ExpandResult{}, err
	}
	return ExpandResult{Bundle: bundle, Failed: true, Reason: cause.Error()}, nil
}

func (x *Expander) extract(ctx context.Context, unit ledger.Unit) ([]ledger.Unit, error) {
	scratchDir := filepath.Join(x.outDir, "temp_"+unit.ID)
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(scratchDir); err != nil {
			log.Error("Failed to delete scratch dir %s: %v", scratchDir, err)
		}
	}()

	reader, err := zip.OpenReader(unit.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer reader.Close()

	members := make([]ledger.Unit, 0, len(reader.File))
	index := 0
	for _, zf := range reader.File {
		if zf.FileInfo().IsDir() || file.IsSystemFile(zf.Name) {
			continue
		}
		index++

		staged, err := extractMember(zf, scratchDir)
		if err != nil {
			return nil, fmt.Errorf("extract member %s: %w", zf.Name, err)
		}

		memberID := fmt.Sprintf("%s_extracted_%d", unit.ID, index)
		finalPath := filepath.Join(x.outDir, memberID+file.Ext(zf.Name))
		if err := os.Rename(staged, finalPath); err != nil {
			return nil, fmt.Errorf("move member %s: %w", zf.Name, err)
		}

		member := ledger.Unit{
			ID:          memberID,
			ParentID:    unit.ID,
			LocalPath:   finalPath,
			CapturedAt:  unit.CapturedAt,
			Coordinates: unit.Coordinates,
		}
		if err := x.store.PutUnit(ctx, member); err != nil {
			return nil, fmt.Errorf("record member %s: %w", memberID, err)
		}
		members = append(members, member)
	}
	return members, nil
}

// extractMember writes one archive member into the scratch directory and
// returns its staged path. Member paths are flattened and checked so a
// crafted archive cannot write outside the scratch dir.
func extractMember(zf *zip.File, scratchDir string) (string, error) {
	name := filepath.Base(filepath.Clean(zf.Name))
	if name == "." || name == ".." || strings.Contains(name, string(os.PathSeparator)) {
		return "", fmt.Errorf("unsafe member name %q", zf.Name)
	}
	staged := filepath.Join(scratchDir, name)

	in, err := zf.Open()
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := os.Create(staged)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return staged, nil
}

func (x *Expander) markDone(ctx context.Context, unitID string) error {
	err := x.store.PutStage(ctx, ledger.Record{
		UnitID:    unitID,
		Stage:     ledger.StageExpand,
		Status:    ledger.StatusDone,
		UpdatedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("record expand for %s: %w", unitID, err)
	}
	return nil
}

// markFailed records an expand failure in the ledger. The original failure
// is surfaced via the ledger and summary, not the return value, so one bad
// archive cannot stop the run.
func (x *Expander) markFailed(ctx context.Context, unitID string, cause error) error {
	log.Error("Failed to expand %s: %v", unitID, cause)
	err := x.store.PutStage(ctx, ledger.Record{
		UnitID:    unitID,
		Stage:     ledger.StageExpand,
		Status:    ledger.StatusFailed,
		Error:     cause.Error(),
		UpdatedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("record expand failure for %s: %w", unitID, err)
	}
	return nil
}
