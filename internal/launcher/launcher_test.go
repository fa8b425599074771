package launcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/voxedit/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func touch(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
}

func remove(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.Remove(filepath.Join(dir, name)))
}

type stageLog struct {
	mu     sync.Mutex
	stages []Stage
}

func (s *stageLog) record(st Stage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages = append(s.stages, st)
}

func (s *stageLog) snapshot() []Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Stage(nil), s.stages...)
}

func TestMarkersAdvanceInOrder(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, MarkerBuildingModel)
	touch(t, dir, MarkerLoadingVocoder)
	touch(t, dir, MarkerStartingBackend)

	stages := &stageLog{}
	l, err := New(config.SynthConfig{MarkerDir: dir, StartupPollMS: 5}, newLogger(), stages.record)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, l.Start(ctx))

	require.Eventually(t, func() bool { return l.Stage() == BuildingModel }, time.Second, 5*time.Millisecond)
	remove(t, dir, MarkerBuildingModel)
	require.Eventually(t, func() bool { return l.Stage() == LoadingVocoder }, time.Second, 5*time.Millisecond)
	remove(t, dir, MarkerLoadingVocoder)
	require.Eventually(t, func() bool { return l.Stage() == StartingBackend }, time.Second, 5*time.Millisecond)

	// A marker reappearing never moves the stage backwards.
	touch(t, dir, MarkerBuildingModel)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StartingBackend, l.Stage())
	remove(t, dir, MarkerBuildingModel)

	remove(t, dir, MarkerStartingBackend)
	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	require.NoError(t, l.WaitReady(waitCtx))

	assert.Equal(t, []Stage{BuildingModel, LoadingVocoder, StartingBackend, Ready}, stages.snapshot())
}

func TestReadyWithoutMarkers(t *testing.T) {
	l, err := New(config.SynthConfig{MarkerDir: t.TempDir(), StartupPollMS: 5}, newLogger(), nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.Start(ctx))
	require.NoError(t, l.WaitReady(ctx))
	assert.Equal(t, Ready, l.Stage())
}

func TestWaitReadyHonoursContext(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, MarkerBuildingModel)
	l, err := New(config.SynthConfig{MarkerDir: dir, StartupPollMS: 5}, newLogger(), nil)
	require.NoError(t, err)
	runCtx, runCancel := context.WithCancel(context.Background())
	t.Cleanup(runCancel)
	require.NoError(t, l.Start(runCtx))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.WaitReady(ctx), context.DeadlineExceeded)
}

func TestProcessExitBeforeReady(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	dir := t.TempDir()
	touch(t, dir, MarkerBuildingModel)
	l, err := New(config.SynthConfig{
		ServerCommand: `sh -c "exit 3"`,
		MarkerDir:     dir,
		StartupPollMS: 5,
	}, newLogger(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, l.Start(ctx))
	err = l.WaitReady(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExited))
}

func TestRejectsUnparsableCommand(t *testing.T) {
	_, err := New(config.SynthConfig{ServerCommand: `python "server.py`}, newLogger(), nil)
	assert.Error(t, err)
}

func TestLineLoggerSplitsLines(t *testing.T) {
	var got []string
	h := &captureHandler{lines: &got}
	w := &lineLogger{log: slog.New(h), level: slog.LevelInfo}
	_, _ = w.Write([]byte("loading fast"))
	_, _ = w.Write([]byte("pitch\r\nready\n\n"))
	assert.Equal(t, []string{"loading fastpitch", "ready"}, got)
}

type captureHandler struct {
	lines *[]string
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "line" {
			*h.lines = append(*h.lines, a.Value.String())
		}
		return true
	})
	return nil
}
func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *captureHandler) WithGroup(string) slog.Handler { return h }
