package pipeline

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shubham1chawla/snapchat-memories-downloader/internal/ledger"
	"github.com/shubham1chawla/snapchat-memories-downloader/internal/manifest"
	"github.com/shubham1chawla/snapchat-memories-downloader/pkg/file"
	"github.com/shubham1chawla/snapchat-memories-downloader/pkg/log"
)

// Export links are served to browsers; a bare Go UA gets rejected.
const defaultUserAgent = "Mozilla/5.0"

// routeTagHeader is required on the GET-style memory links.
const routeTagHeader = "mem-dmd"

// DownloaderConfig tunes the retry budget and backoff. The delays are a
// tunable, not a contract; only the attempt cap is.
type DownloaderConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c DownloaderConfig) withDefaults() DownloaderConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	return c
}

// Downloader fetches manifest entries sequentially into the output
// directory, consulting the ledger so completed entries never touch the
// network again.
type Downloader struct {
	client *http.Client
	store  ledger.Store
	outDir string
	cfg    DownloaderConfig
}

func NewDownloader(client *http.Client, store ledger.Store, outDir string, cfg DownloaderConfig) *Downloader {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Downloader{
		client: client,
		store:  store,
		outDir: outDir,
		cfg:    cfg.withDefaults(),
	}
}

// Fetch downloads one entry. Exhausted retries are reported through the
// returned asset, not the error: only ledger failures (which break
// resumability) and context cancellation are returned as errors.
func (d *Downloader) Fetch(ctx context.Context, entry manifest.Entry) (DownloadedAsset, error) {
	rec, ok, err := d.store.GetStage(ctx, entry.ID, ledger.StageDownload)
	if err != nil {
		return DownloadedAsset{}, fmt.Errorf("read ledger for %s: %w", entry.ID, err)
	}
	if ok && rec.Status == ledger.StatusDone {
		unit, found, err := d.store.GetUnit(ctx, entry.ID)
		if err != nil {
			return DownloadedAsset{}, fmt.Errorf("read unit %s: %w", entry.ID, err)
		}
		if found {
			return DownloadedAsset{
				EntryID:   entry.ID,
				LocalPath: unit.LocalPath,
				Status:    DownloadSucceeded,
				Resumed:   true,
			}, nil
		}
	}

	localPath, err := d.fetchWithRetry(ctx, entry)
	if err != nil {
		if ctx.Err() != nil {
			return DownloadedAsset{}, ctx.Err()
		}
		failure := ledger.Record{
			UnitID:    entry.ID,
			Stage:     ledger.StageDownload,
			Status:    ledger.StatusFailed,
			Error:     err.Error(),
			UpdatedAt: time.Now(),
		}
		if lerr := d.store.PutStage(ctx, failure); lerr != nil {
			return DownloadedAsset{}, fmt.Errorf("record download failure for %s: %w", entry.ID, lerr)
		}
		return DownloadedAsset{
			EntryID: entry.ID,
			Status:  DownloadExhausted,
			Reason:  err.Error(),
		}, nil
	}

	unit := ledger.Unit{
		ID:          entry.ID,
		LocalPath:   localPath,
		CapturedAt:  entry.CapturedAt,
		Coordinates: entry.Coordinates,
	}
	if err := d.store.PutUnit(ctx, unit); err != nil {
		return DownloadedAsset{}, fmt.Errorf("record unit %s: %w", entry.ID, err)
	}
	if err := d.store.PutStage(ctx, ledger.Record{
		UnitID:    entry.ID,
		Stage:     ledger.StageDownload,
		Status:    ledger.StatusDone,
		UpdatedAt: time.Now(),
	}); err != nil {
		return DownloadedAsset{}, fmt.Errorf("record download for %s: %w", entry.ID, err)
	}

	return DownloadedAsset{
		EntryID:   entry.ID,
		LocalPath: localPath,
		Status:    DownloadSucceeded,
	}, nil
}

func (d *Downloader) fetchWithRetry(ctx context.Context, entry manifest.Entry) (string, error) {
	var localPath string

	attempt := 0
	operation := func() error {
		attempt++
		path, err := d.fetchOnce(ctx, entry)
		if err != nil {
			return err
		}
		localPath = path
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("Attempt %d/%d failed for %s: %v. Retrying in %s...",
			attempt, d.cfg.MaxAttempts, entry.ID, err, wait.Round(time.Millisecond))
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.InitialBackoff
	bo.MaxInterval = d.cfg.MaxBackoff

	err := backoff.RetryNotify(
		operation,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(d.cfg.MaxAttempts-1)), ctx),
		notify,
	)
	if err != nil {
		return "", fmt.Errorf("%w after %d attempts: %v", ErrExhausted, attempt, err)
	}
	return localPath, nil
}

// fetchOnce performs a single fetch attempt: request, stream to a partial
// file, then rename into place so an interrupted transfer never looks like a
// finished download.
func (d *Downloader) fetchOnce(ctx context.Context, entry manifest.Entry) (string, error) {
	req, err := buildRequest(ctx, entry)
	if err != nil {
		return "", err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}

	ext := extensionFromResponse(resp)
	localPath := filepath.Join(d.outDir, entry.ID+ext)
	partial := file.ReplaceExt(localPath, ".part")

	out, err := os.Create(partial)
	if err != nil {
		return "", err
	}
	written, copyErr := io.Copy(out, resp.Body)
	closeErr := out.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(partial)
		if copyErr != nil {
			return "", fmt.Errorf("write body: %w", copyErr)
		}
		return "", fmt.Errorf("close file: %w", closeErr)
	}
	if resp.ContentLength > 0 && written != resp.ContentLength {
		_ = os.Remove(partial)
		return "", fmt.Errorf("truncated transfer: got %d of %d bytes", written, resp.ContentLength)
	}

	if err := os.Rename(partial, localPath); err != nil {
		_ = os.Remove(partial)
		return "", err
	}
	return localPath, nil
}

// buildRequest mirrors the two delivery shapes of the export: GET links need
// the memories route tag header, everything else splits the URL and POSTs
// the query string as a form body.
func buildRequest(ctx context.Context, entry manifest.Entry) (*http.Request, error) {
	if entry.GetRequest {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, entry.SourceURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-Snap-Route-Tag", routeTagHeader)
		req.Header.Set("User-Agent", defaultUserAgent)
		return req, nil
	}

	baseURL, payload, _ := strings.Cut(entry.SourceURL, "?")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL, strings.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", defaultUserAgent)
	return req, nil
}

// extensionFromResponse pulls the extension out of the Content-Disposition
// filename the export servers send. A filename without extension falls back
// to .dat; a missing header leaves the file extensionless.
func extensionFromResponse(resp *http.Response) string {
	disposition := resp.Header.Get("Content-Disposition")
	if disposition == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return ""
	}
	name := params["filename"]
	if name == "" {
		return ""
	}
	if ext := file.Ext(name); ext != "" {
		return ext
	}
	return ".dat"
}
