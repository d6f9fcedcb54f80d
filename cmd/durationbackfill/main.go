// Command durationbackfill walks every unlabeled task in the task source,
// measures the duration of any task missing one, and patches it back. It
// mirrors add_duration_metadata.py's pass over the task pool, but fetches
// audio bytes over HTTP rather than assuming a local media directory, since
// the task source abstraction here has no filesystem of its own.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tzsystem/dispatchd/internal/audio"
	"github.com/tzsystem/dispatchd/internal/config"
	"github.com/tzsystem/dispatchd/internal/tasksource"
)

const extractionMethod = "wav_header"

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg := config.Load(*configPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	source := tasksource.WithRetry(
		tasksource.New(cfg.TaskSource.BaseURL, cfg.TaskSource.Token, cfg.TaskSource.Project),
		logger,
	)

	ids, err := source.UnlabeledTaskIDs(ctx)
	if err != nil {
		logger.Error("list unlabeled tasks failed", "error", err)
		os.Exit(1)
	}
	logger.Info("duration backfill starting", "task_count", len(ids))

	httpClient := &http.Client{Timeout: 60 * time.Second}

	var scanned, patched, skipped, failed int
	for _, id := range ids {
		scanned++
		meta, err := source.TaskMetadata(ctx, id)
		if err != nil {
			logger.Warn("fetch task metadata failed", "task_id", id, "error", err)
			failed++
			continue
		}
		if meta.Duration > 0 {
			skipped++
			continue
		}
		if meta.AudioURL == "" {
			logger.Warn("task has no audio url, skipping", "task_id", id)
			skipped++
			continue
		}

		seconds, err := measureDuration(ctx, httpClient, meta.AudioURL)
		if err != nil {
			logger.Warn("duration measurement failed", "task_id", id, "audio_url", meta.AudioURL, "error", err)
			failed++
			continue
		}

		if err := source.UpdateDuration(ctx, id, seconds, extractionMethod); err != nil {
			logger.Warn("patch duration failed", "task_id", id, "error", err)
			failed++
			continue
		}
		patched++
		logger.Info("duration backfilled", "task_id", id, "seconds", seconds)
	}

	logger.Info("duration backfill complete",
		"scanned", scanned, "patched", patched, "skipped", skipped, "failed", failed)
}

func measureDuration(ctx context.Context, client *http.Client, audioURL string) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, audioURL, nil)
	if err != nil {
		return 0, fmt.Errorf("durationbackfill: build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("durationbackfill: fetch audio: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return 0, fmt.Errorf("durationbackfill: fetch audio: status %d", resp.StatusCode)
	}

	seconds, err := audio.WAVDuration(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return 0, fmt.Errorf("durationbackfill: measure duration: %w", err)
	}
	return seconds, nil
}
