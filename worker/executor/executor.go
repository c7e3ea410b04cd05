// Package executor drives one processing attempt end to end: claim the job,
// stage the source into scratch space, run the transcriber, publish the
// result. Exactly-once effects come from the conditional claim and the
// first-writer-wins terminal transitions, not from kafka delivery counts.
package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"subtitlepipe/pkg/jobmsg"
	"subtitlepipe/pkg/sniff"
	"subtitlepipe/pkg/storage"
	"subtitlepipe/worker/repository"
	"subtitlepipe/worker/transcriber"
)

// Blob is the slice of pkg/storage the executor needs.
type Blob interface {
	Download(ctx context.Context, key, filePath string) error
	Upload(ctx context.Context, key, contentType string, r io.Reader, size int64) (string, int64, error)
}

// Notifier publishes lifecycle events toward the API side.
type Notifier interface {
	Progress(ctx context.Context, mediaID string, generation, percent int, message string)
	Completed(ctx context.Context, mediaID string, generation int, resultKey string)
	Failed(ctx context.Context, mediaID string, generation int, reason string)
}

// Runner is satisfied by *transcriber.Transcriber.
type Runner interface {
	Run(ctx context.Context, inputPath, authToken, outputDir string, onProgress transcriber.ProgressFunc) error
}

type Config struct {
	ScratchDir    string
	ScratchTTL    time.Duration
	Lease         time.Duration
	LocalAttempts int
	LocalInterval time.Duration
	WorkerID      string
}

type Executor struct {
	jobs   repository.JobStore
	blob   Blob
	events Notifier
	runner Runner
	cfg    Config
	logger *zap.Logger
}

func New(jobs repository.JobStore, blob Blob, events Notifier, runner Runner, cfg Config, logger *zap.Logger) *Executor {
	return &Executor{
		jobs:   jobs,
		blob:   blob,
		events: events,
		runner: runner,
		cfg:    cfg,
		logger: logger,
	}
}

// Handle processes one queue message. It always returns nil for job-level
// failures: those are recorded on the job row and published, not retried by
// the queue.
func (e *Executor) Handle(ctx context.Context, msg *jobmsg.Payload) error {
	logger := e.logger.With(
		zap.String("media_id", msg.MediaID),
		zap.Int("generation", msg.Generation),
		zap.String("trace_id", msg.TraceID),
	)

	e.purgeScratch(logger)

	claimed, err := e.jobs.Claim(ctx, msg.MediaID, msg.Generation, e.cfg.WorkerID, e.cfg.Lease)
	if err != nil {
		return fmt.Errorf("claim job: %w", err)
	}
	if !claimed {
		logger.Info("job not claimable, skipping duplicate or superseded delivery")
		return nil
	}
	logger.Info("job claimed")

	jobDir := filepath.Join(e.cfg.ScratchDir, fmt.Sprintf("%s-%d", msg.MediaID, msg.Generation))
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return e.fail(ctx, logger, msg, fmt.Sprintf("processing failed: scratch dir: %v", err))
	}
	defer os.RemoveAll(jobDir)

	inputPath, reason := e.materialize(ctx, msg, jobDir)
	if reason != "" {
		return e.fail(ctx, logger, msg, reason)
	}

	outputDir := filepath.Join(jobDir, "out")
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return e.fail(ctx, logger, msg, fmt.Sprintf("processing failed: output dir: %v", err))
	}

	onProgress := func(percent int, message string) {
		if err := e.jobs.Heartbeat(ctx, msg.MediaID, msg.Generation, e.cfg.WorkerID, e.cfg.Lease); err != nil {
			logger.Warn("lease heartbeat failed", zap.Error(err))
		}
		e.events.Progress(ctx, msg.MediaID, msg.Generation, percent, message)
	}

	if err := e.runner.Run(ctx, inputPath, msg.AuthToken, outputDir, onProgress); err != nil {
		return e.fail(ctx, logger, msg, err.Error())
	}

	resultPath, err := findResult(outputDir)
	if err != nil {
		return e.fail(ctx, logger, msg, fmt.Sprintf("processing failed: %v", err))
	}

	resultKey, err := e.uploadResult(ctx, msg, resultPath)
	if err != nil {
		return e.fail(ctx, logger, msg, fmt.Sprintf("processing failed: store result: %v", err))
	}

	won, err := e.jobs.Complete(ctx, msg.MediaID, msg.Generation, resultKey)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if !won {
		// The reaper or a racing writer already closed this job; the late
		// result is dropped.
		logger.Warn("completion lost the terminal-state race", zap.String("result_key", resultKey))
		return nil
	}

	logger.Info("job completed", zap.String("result_key", resultKey))
	e.events.Completed(ctx, msg.MediaID, msg.Generation, resultKey)
	return nil
}

// materialize stages the source video into jobDir and returns its path. A
// non-empty reason means the job must fail.
func (e *Executor) materialize(ctx context.Context, msg *jobmsg.Payload, jobDir string) (string, string) {
	inputPath := filepath.Join(jobDir, "source"+filepath.Ext(msg.SourceLocator))

	if msg.IsLocalSource {
		// A locally staged file may still be mid-write by the uploader;
		// poll briefly before giving up.
		if !e.waitForLocal(ctx, msg.SourceLocator) {
			return "", fmt.Sprintf("source not found: %s", msg.SourceLocator)
		}
		if err := copyFile(msg.SourceLocator, inputPath); err != nil {
			return "", fmt.Sprintf("source not found: %s: %v", msg.SourceLocator, err)
		}
	} else {
		if err := e.blob.Download(ctx, msg.SourceLocator, inputPath); err != nil {
			return "", fmt.Sprintf("source not found: %s", msg.SourceLocator)
		}
	}

	if !fileLooksLikeVideo(inputPath) {
		return "", fmt.Sprintf("source not found: %s is not a playable video", msg.SourceLocator)
	}
	return inputPath, ""
}

func (e *Executor) waitForLocal(ctx context.Context, path string) bool {
	for attempt := 0; attempt < e.cfg.LocalAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(e.cfg.LocalInterval):
			}
		}
		if info, err := os.Stat(path); err == nil && info.Size() > 0 {
			return true
		}
	}
	return false
}

func (e *Executor) fail(ctx context.Context, logger *zap.Logger, msg *jobmsg.Payload, reason string) error {
	logger.Warn("job failed", zap.String("reason", reason))

	won, err := e.jobs.Fail(ctx, msg.MediaID, msg.Generation, reason)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if won {
		e.events.Failed(ctx, msg.MediaID, msg.Generation, reason)
	}
	return nil
}

func (e *Executor) uploadResult(ctx context.Context, msg *jobmsg.Payload, resultPath string) (string, error) {
	f, err := os.Open(resultPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	hint := msg.ResultHint
	if hint == "" {
		hint = "subtitles"
	}
	key := storage.SanitizeKey(path.Join(hint, msg.MediaID+".ass"))

	cleanKey, _, err := e.blob.Upload(ctx, key, "text/plain", f, info.Size())
	if err != nil {
		return "", err
	}
	return cleanKey, nil
}

// purgeScratch removes leftover job directories from crashed runs once they
// outlive the TTL.
func (e *Executor) purgeScratch(logger *zap.Logger) {
	entries, err := os.ReadDir(e.cfg.ScratchDir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-e.cfg.ScratchTTL)
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		stale := filepath.Join(e.cfg.ScratchDir, entry.Name())
		if err := os.RemoveAll(stale); err != nil {
			logger.Warn("scratch purge failed", zap.String("path", stale), zap.Error(err))
		} else {
			logger.Info("purged stale scratch dir", zap.String("path", stale))
		}
	}
}

// findResult picks the subtitle file to publish. The tool may emit several;
// the most recently modified one is the final render.
func findResult(outputDir string) (string, error) {
	var newest string
	var newestMod time.Time

	err := filepath.WalkDir(outputDir, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || filepath.Ext(p) != ".ass" {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = p
			newestMod = info.ModTime()
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if newest == "" {
		return "", fmt.Errorf("no subtitle output in %s", outputDir)
	}
	return newest, nil
}

func fileLooksLikeVideo(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	header := make([]byte, sniff.HeaderSize)
	n, err := io.ReadFull(f, header)
	if err != nil && n == 0 {
		return false
	}
	return sniff.IsVideo(header[:n])
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
