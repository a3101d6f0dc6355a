package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/shubham1chawla/snapchat-memories-downloader/internal/config"
	"github.com/shubham1chawla/snapchat-memories-downloader/internal/exif"
	"github.com/shubham1chawla/snapchat-memories-downloader/internal/ledger"
	"github.com/shubham1chawla/snapchat-memories-downloader/internal/service"
	"github.com/shubham1chawla/snapchat-memories-downloader/pkg/log"
)

func main() {
	var (
		manifestPath string
		downloadDir  string
		scheduled    bool
	)
	flag.StringVar(&manifestPath, "m", "", "path to the memories_history.html export file")
	flag.StringVar(&manifestPath, "memories", "", "path to the memories_history.html export file")
	flag.StringVar(&downloadDir, "d", "", "directory where media files are downloaded and processed")
	flag.StringVar(&downloadDir, "dir", "", "directory where media files are downloaded and processed")
	flag.BoolVar(&scheduled, "schedule", false, "keep running and re-run the pipeline on CRON_EXPR")
	flag.Parse()

	// Optional .env next to the binary.
	_ = godotenv.Load()

	cfg, err := config.NewFromEnv()
	if err != nil {
		log.Fatal("Failed to load configuration: %v", err)
	}
	log.InitLogger(log.ParseLevel(cfg.System.LogLevel))

	if manifestPath == "" || downloadDir == "" {
		flag.Usage()
		log.Fatal("Both a memories file (-m) and a download directory (-d) are required")
	}
	if _, err := os.Stat(manifestPath); err != nil {
		log.Fatal("Memories file not found at %s", manifestPath)
	}
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		log.Fatal("Failed to create download directory %s: %v", downloadDir, err)
	}

	log.Info("Using memories file: %s", manifestPath)
	log.Info("Saving media to directory: %s", downloadDir)

	store, err := ledger.NewSQLiteStore(filepath.Join(downloadDir, "memories.db"))
	if err != nil {
		log.Fatal("Failed to open ledger: %v", err)
	}
	defer store.Close()

	tagger := exif.NewExifTool(cfg.Exif.Command)
	svc := service.NewMemoriesService(*cfg, manifestPath, downloadDir, store, tagger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if scheduled {
		c := cron.New()
		if err := svc.Schedule(ctx, c); err != nil {
			log.Fatal("Failed to schedule pipeline: %v", err)
		}
		c.Start()
		<-ctx.Done()
		<-c.Stop().Done()
		return
	}

	summary, err := svc.Run(ctx)
	if err != nil {
		log.Fatal("Run failed: %v", err)
	}
	if summary.Failed() > 0 {
		os.Exit(1)
	}
}
