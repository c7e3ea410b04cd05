package transcriber

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// writeScript drops an executable shell script standing in for the external
// tool.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool.sh")
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

type progressRecorder struct {
	mu       sync.Mutex
	percents []int
	messages []string
}

func (r *progressRecorder) record(percent int, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.percents = append(r.percents, percent)
	r.messages = append(r.messages, message)
}

func TestRunReportsMarkers(t *testing.T) {
	bin := writeScript(t, `
echo "Step 1: extracting audio"
echo "Detected Language: en"
echo "Step 2: transcribing"
echo "some diagnostic chatter"
echo "Step 3: aligning"
echo "Success: wrote subtitles"
`)

	tr := New(bin, zaptest.NewLogger(t))
	rec := &progressRecorder{}

	err := tr.Run(context.Background(), "/tmp/in.mp4", "tok", t.TempDir(), rec.record)
	require.NoError(t, err)

	assert.Equal(t, []int{10, 20, 40, 70, 90}, rec.percents)
	assert.Equal(t, "Detected Language: en", rec.messages[1])
}

func TestRunNonzeroExit(t *testing.T) {
	bin := writeScript(t, `
echo "Step 1: extracting audio"
echo "model load error" >&2
exit 3
`)

	tr := New(bin, zaptest.NewLogger(t))
	rec := &progressRecorder{}

	err := tr.Run(context.Background(), "/tmp/in.mp4", "tok", t.TempDir(), rec.record)
	require.Error(t, err)

	var exitErr *ProcessExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, exitErr.Code)
	assert.Contains(t, exitErr.Stderr, "model load error")
	assert.Contains(t, err.Error(), "processing failed (exit 3)")
}

func TestRunFiltersInterpreterNoise(t *testing.T) {
	bin := writeScript(t, `
echo "lib/foo.py:12: UserWarning: torch stuff" >&2
echo "lib/foo.py:40: FutureWarning: old api" >&2
echo "real failure" >&2
exit 1
`)

	tr := New(bin, zaptest.NewLogger(t))

	err := tr.Run(context.Background(), "/tmp/in.mp4", "tok", t.TempDir(), func(int, string) {})
	var exitErr *ProcessExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, "real failure", exitErr.Stderr)
}

func TestRunKilledBySignal(t *testing.T) {
	bin := writeScript(t, `kill -KILL $$`)

	tr := New(bin, zaptest.NewLogger(t))

	err := tr.Run(context.Background(), "/tmp/in.mp4", "tok", t.TempDir(), func(int, string) {})
	var sigErr *ProcessSignalError
	require.ErrorAs(t, err, &sigErr)
	assert.Contains(t, err.Error(), "processing crashed (signal")
}

func TestMarkerPercent(t *testing.T) {
	tests := []struct {
		line string
		want int
		ok   bool
	}{
		{"Step 1: extracting audio", 10, true},
		{"Detected Language: ja", 20, true},
		{"Step 2: transcribing 4/120", 40, true},
		{"Step 3: aligning output", 70, true},
		{"Success", 90, true},
		{"loading model", 0, false},
	}
	for _, tt := range tests {
		got, ok := markerPercent(tt.line)
		assert.Equal(t, tt.ok, ok, tt.line)
		assert.Equal(t, tt.want, got, tt.line)
	}
}
