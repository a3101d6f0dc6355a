package exif

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ErrToolMissing signals that the external metadata executable is not on the
// command search path at all, as opposed to it rejecting a specific file.
var ErrToolMissing = fmt.Errorf("metadata tool not found in PATH")

// Tagger writes embedded metadata onto a media file. The pipeline only sees
// this capability; the exiftool binding below is one implementation.
type Tagger interface {
	Apply(ctx context.Context, path string, tags TagSet) error
}

type exifTool struct {
	cmd string
}

// NewExifTool returns a Tagger backed by the external exiftool executable.
// cmd defaults to "exiftool" when empty.
func NewExifTool(cmd string) Tagger {
	if strings.TrimSpace(cmd) == "" {
		cmd = "exiftool"
	}
	return exifTool{cmd: cmd}
}

func (et exifTool) Apply(ctx context.Context, path string, tags TagSet) error {
	cmdPath, err := exec.LookPath(et.cmd)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrToolMissing, et.cmd)
	}

	// -overwrite_original edits the file in place instead of leaving an
	// _original backup next to it.
	args := append([]string{"-overwrite_original"}, tags.Args()...)
	args = append(args, path)

	cmd := exec.CommandContext(ctx, cmdPath, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("exiftool failed for %s: %w: %s", path, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// SetFileTimes aligns the filesystem access and modification times with the
// capture time, so the file sorts correctly even in tools that ignore
// embedded tags.
func SetFileTimes(path string, ts time.Time) error {
	if err := os.Chtimes(path, ts, ts); err != nil {
		return fmt.Errorf("set file times for %s: %w", path, err)
	}
	return nil
}
