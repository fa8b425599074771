package launcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/loqalabs/voxedit/internal/config"
	"github.com/mattn/go-shellwords"
)

// Marker files the inference server keeps in its working directory while it
// boots. They disappear in this order.
const (
	MarkerBuildingModel   = "FASTPITCH_LOADING"
	MarkerLoadingVocoder  = "WAVEGLOW_LOADING"
	MarkerStartingBackend = "SERVER_STARTING"
)

var ErrExited = errors.New("launcher: inference server exited before ready")

type Stage int

const (
	Idle Stage = iota
	BuildingModel
	LoadingVocoder
	StartingBackend
	Ready
)

func (s Stage) String() string {
	switch s {
	case Idle:
		return "idle"
	case BuildingModel:
		return "building_model"
	case LoadingVocoder:
		return "loading_vocoder"
	case StartingBackend:
		return "starting_backend"
	case Ready:
		return "ready"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Launcher optionally starts the inference server and tracks its startup
// markers. Stages only move forward.
type Launcher struct {
	args      []string
	markerDir string
	poll      time.Duration
	log       *slog.Logger
	onStage   func(Stage)

	mu      sync.Mutex
	stage   Stage
	cmd     *exec.Cmd
	readyCh chan struct{}
	exited  chan struct{}
	exitErr error
}

// New parses the configured server command. An empty command means the server
// is managed elsewhere and only the markers are watched.
func New(cfg config.SynthConfig, log *slog.Logger, onStage func(Stage)) (*Launcher, error) {
	var args []string
	if cfg.ServerCommand != "" {
		parser := shellwords.NewParser()
		parsed, err := parser.Parse(cfg.ServerCommand)
		if err != nil {
			return nil, fmt.Errorf("parse server command: %w", err)
		}
		if len(parsed) == 0 {
			return nil, fmt.Errorf("server command empty")
		}
		args = parsed
	}
	poll := time.Duration(cfg.StartupPollMS) * time.Millisecond
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	if onStage == nil {
		onStage = func(Stage) {}
	}
	return &Launcher{
		args:      args,
		markerDir: cfg.MarkerDir,
		poll:      poll,
		log:       log.With(slog.String("component", "launcher")),
		onStage:   onStage,
		readyCh:   make(chan struct{}),
		exited:    make(chan struct{}),
	}, nil
}

// Start spawns the server process, if any, and begins polling markers until
// Ready or ctx is done. The process is killed when ctx is cancelled.
func (l *Launcher) Start(ctx context.Context) error {
	if len(l.args) > 0 {
		cmd := exec.CommandContext(ctx, l.args[0], l.args[1:]...)
		cmd.Dir = l.markerDir
		cmd.Stdout = &lineLogger{log: l.log, level: slog.LevelInfo}
		cmd.Stderr = &lineLogger{log: l.log, level: slog.LevelWarn}
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("start inference server: %w", err)
		}
		l.mu.Lock()
		l.cmd = cmd
		l.mu.Unlock()
		l.log.Info("inference server started", slog.Int("pid", cmd.Process.Pid))
		go func() {
			err := cmd.Wait()
			l.mu.Lock()
			l.exitErr = err
			l.mu.Unlock()
			close(l.exited)
		}()
	}

	go l.watch(ctx)
	return nil
}

func (l *Launcher) watch(ctx context.Context) {
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		if l.observe() == Ready {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// observe checks the marker files once and advances the stage.
func (l *Launcher) observe() Stage {
	seen := Ready
	switch {
	case l.exists(MarkerBuildingModel):
		seen = BuildingModel
	case l.exists(MarkerLoadingVocoder):
		seen = LoadingVocoder
	case l.exists(MarkerStartingBackend):
		seen = StartingBackend
	}

	l.mu.Lock()
	if seen <= l.stage {
		current := l.stage
		l.mu.Unlock()
		return current
	}
	l.stage = seen
	if seen == Ready {
		close(l.readyCh)
	}
	l.mu.Unlock()

	l.log.Info("inference server stage", slog.String("stage", seen.String()))
	l.onStage(seen)
	return seen
}

func (l *Launcher) exists(name string) bool {
	_, err := os.Stat(filepath.Join(l.markerDir, name))
	return err == nil
}

func (l *Launcher) Stage() Stage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stage
}

// WaitReady blocks until the markers are gone, the launched process exits, or
// ctx is done.
func (l *Launcher) WaitReady(ctx context.Context) error {
	select {
	case <-l.readyCh:
		return nil
	default:
	}
	select {
	case <-l.readyCh:
		return nil
	case <-l.exited:
		l.mu.Lock()
		err := l.exitErr
		l.mu.Unlock()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrExited, err)
		}
		return ErrExited
	case <-ctx.Done():
		return ctx.Err()
	}
}

type lineLogger struct {
	log   *slog.Logger
	level slog.Level
	mu    sync.Mutex
	buf   []byte
}

func (w *lineLogger) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimRight(w.buf[:i], "\r")
		if len(line) > 0 {
			w.log.Log(context.Background(), w.level, "inference server", slog.String("line", string(line)))
		}
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}
