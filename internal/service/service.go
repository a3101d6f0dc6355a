package service

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/robfig/cron/v3"
	"github.com/shubham1chawla/snapchat-memories-downloader/internal/config"
	"github.com/shubham1chawla/snapchat-memories-downloader/internal/exif"
	"github.com/shubham1chawla/snapchat-memories-downloader/internal/ledger"
	"github.com/shubham1chawla/snapchat-memories-downloader/internal/manifest"
	"github.com/shubham1chawla/snapchat-memories-downloader/internal/pipeline"
	"github.com/shubham1chawla/snapchat-memories-downloader/pkg/icron"
	"github.com/shubham1chawla/snapchat-memories-downloader/pkg/log"
)

// MemoriesService runs the download-expand-tag pipeline over one manifest,
// either once or on a cron schedule. The ledger and tagger are injected so
// tests can substitute in-memory fakes.
type MemoriesService struct {
	cfg          config.Config
	manifestPath string
	outDir       string
	store        ledger.Store
	tagger       exif.Tagger
	client       *http.Client
}

func NewMemoriesService(
	cfg config.Config,
	manifestPath string,
	outDir string,
	store ledger.Store,
	tagger exif.Tagger,
) *MemoriesService {
	return &MemoriesService{
		cfg:          cfg,
		manifestPath: manifestPath,
		outDir:       outDir,
		store:        store,
		tagger:       tagger,
		client:       &http.Client{Timeout: cfg.Download.HTTPTimeout},
	}
}

// Run executes one full pipeline pass and logs the summary.
func (s *MemoriesService) Run(ctx context.Context) (pipeline.Summary, error) {
	entries, err := manifest.ParseFile(s.manifestPath)
	if err != nil {
		return pipeline.Summary{}, fmt.Errorf("parse manifest: %w", err)
	}
	logManifestStats(entries)

	downloader := pipeline.NewDownloader(s.client, s.store, s.outDir, pipeline.DownloaderConfig{
		MaxAttempts:    s.cfg.Download.MaxAttempts,
		InitialBackoff: s.cfg.Download.InitialBackoff,
		MaxBackoff:     s.cfg.Download.MaxBackoff,
	})
	expander := pipeline.NewExpander(s.store, s.outDir)
	coordinator := pipeline.NewCoordinator(s.store, downloader, expander, s.tagger)

	summary, err := coordinator.Run(ctx, entries)
	if err != nil {
		return summary, err
	}
	logSummary(summary)
	return summary, nil
}

var singleflightGroup singleflight.Group

// Schedule registers the pipeline on the given cron so it re-runs on the
// configured expression. Overlapping triggers collapse into one run; resume
// makes repeat runs cheap.
func (s *MemoriesService) Schedule(ctx context.Context, c *cron.Cron) error {
	runFunc := func() {
		_, _, _ = singleflightGroup.Do("run", func() (any, error) {
			if _, err := s.Run(ctx); err != nil {
				log.Error("Scheduled run failed: %v", err)
			}
			return nil, nil
		})
	}
	if _, err := c.AddFunc(s.cfg.Schedule.CronExpr, runFunc); err != nil {
		return fmt.Errorf("schedule pipeline: %w", err)
	}

	if info, err := icron.GetTriggerInfo(s.cfg.Schedule.CronExpr, time.Now()); err == nil {
		log.Info("Scheduled with %q, next run at %s (in %s)",
			info.Expression, info.Next.Format(time.RFC3339), info.TimeUntilNext.Round(time.Second))
	}
	return nil
}

func logManifestStats(entries []manifest.Entry) {
	kinds := make(map[manifest.MediaKind]int)
	missingLinks := 0
	postLinks := 0
	for _, entry := range entries {
		kinds[entry.Kind]++
		if !entry.Fetchable() {
			missingLinks++
		} else if !entry.GetRequest {
			postLinks++
		}
	}
	log.Info("Total memories: %d", len(entries))
	for kind, count := range kinds {
		log.Info("Media type %s: %d", kind, count)
	}
	log.Info("Missing download links: %d", missingLinks)
	log.Info("POST-style links: %d", postLinks)
}

func logSummary(summary pipeline.Summary) {
	log.Info("Run %s finished", summary.RunID)
	log.Info("Download: %d succeeded, %d failed, %d already done",
		summary.Downloaded, summary.DownloadFailed, summary.DownloadSkipped)
	log.Info("Expand: %d succeeded, %d failed, %d already done",
		summary.Expanded, summary.ExpandFailed, summary.ExpandSkipped)
	log.Info("Metadata: %d succeeded, %d failed, %d already done",
		summary.Tagged, summary.TagFailed, summary.TagSkipped)
	for _, unitErr := range summary.Errors {
		log.Warn("Failed unit %s at %s stage: %s", unitErr.UnitID, unitErr.Stage, unitErr.Reason)
	}
}
