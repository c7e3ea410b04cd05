// Package transcriber runs the external speech-to-subtitles tool as a
// detached subprocess and translates its stdout chatter into progress
// callbacks.
package transcriber

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"go.uber.org/zap"
)

// ProgressFunc receives a coarse percentage and the raw line that produced
// it.
type ProgressFunc func(percent int, message string)

// progressMarkers maps known stdout lines to pipeline percentages. Matching
// is by prefix; unknown lines are logged and otherwise ignored.
var progressMarkers = []struct {
	prefix  string
	percent int
}{
	{"Step 1", 10},
	{"Detected Language", 20},
	{"Step 2", 40},
	{"Step 3", 70},
	{"Success", 90},
}

// stderr lines matching these fragments are interpreter noise, not errors.
var ignoredStderr = []string{
	"UserWarning",
	"FutureWarning",
	"DeprecationWarning",
}

// ProcessExitError reports a tool run that finished with a nonzero code.
type ProcessExitError struct {
	Code   int
	Stderr string
}

func (e *ProcessExitError) Error() string {
	return fmt.Sprintf("processing failed (exit %d): %s", e.Code, e.Stderr)
}

// ProcessSignalError reports a tool run that was killed by a signal.
type ProcessSignalError struct {
	Signal string
}

func (e *ProcessSignalError) Error() string {
	return fmt.Sprintf("processing crashed (signal %s)", e.Signal)
}

type Transcriber struct {
	bin    string
	logger *zap.Logger
}

func New(bin string, logger *zap.Logger) *Transcriber {
	return &Transcriber{bin: bin, logger: logger}
}

// Run executes the tool against inputPath, writing results into outputDir.
// It blocks until the process exits and reports progress through onProgress
// as marker lines appear on stdout.
func (t *Transcriber) Run(ctx context.Context, inputPath, authToken, outputDir string, onProgress ProgressFunc) error {
	cmd := exec.CommandContext(ctx, t.bin,
		"--input", inputPath,
		"--token", authToken,
		"--output_dir", outputDir,
	)
	// Marker lines must arrive as they happen, not when the interpreter
	// flushes.
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", t.bin, err)
	}

	var errBuf bytes.Buffer
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			if isInterpreterNoise(line) {
				continue
			}
			if errBuf.Len() > 0 {
				errBuf.WriteByte('\n')
			}
			errBuf.WriteString(line)
		}
	}()

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if percent, ok := markerPercent(line); ok {
			t.logger.Debug("progress marker", zap.String("line", line), zap.Int("percent", percent))
			onProgress(percent, line)
		} else {
			t.logger.Debug("tool output", zap.String("line", line))
		}
	}

	<-stderrDone
	err = cmd.Wait()
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return &ProcessSignalError{Signal: ws.Signal().String()}
		}
		return &ProcessExitError{Code: exitErr.ExitCode(), Stderr: firstLines(errBuf.String(), 5)}
	}
	return fmt.Errorf("wait for %s: %w", t.bin, err)
}

func markerPercent(line string) (int, bool) {
	for _, m := range progressMarkers {
		if strings.HasPrefix(line, m.prefix) {
			return m.percent, true
		}
	}
	return 0, false
}

func isInterpreterNoise(line string) bool {
	for _, frag := range ignoredStderr {
		if strings.Contains(line, frag) {
			return true
		}
	}
	return false
}

func firstLines(s string, n int) string {
	lines := strings.SplitN(s, "\n", n+1)
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}
