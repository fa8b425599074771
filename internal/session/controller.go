package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/voxedit/internal/audiofile"
	"github.com/loqalabs/voxedit/internal/config"
	"github.com/loqalabs/voxedit/internal/debounce"
	"github.com/loqalabs/voxedit/internal/editor"
	"github.com/loqalabs/voxedit/internal/history"
	"github.com/loqalabs/voxedit/internal/protocol"
	"github.com/loqalabs/voxedit/internal/synth"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrNoVoice      = errors.New("session: no voice loaded")
	ErrEmptyText    = errors.New("session: nothing to synthesize")
	ErrInvalidVoice = errors.New("session: voice id required")
)

// Voice identifies a model on the inference server and the speaker to use.
type Voice struct {
	ID            string `json:"id"`
	Model         string `json:"model"`
	Outputs       int    `json:"outputs"`
	ModelSpeakers int    `json:"model_speakers"`
	CMUDict       bool   `json:"cmudict"`
	SpeakerIndex  int    `json:"speaker_i"`
}

// Journal records generation rounds.
type Journal interface {
	BeginUtterance(ctx context.Context, sessionID, voiceID, text string) error
	AppendGeneration(ctx context.Context, g history.Generation) error
}

type Publisher interface {
	PublishJSON(subject string, v any) error
}

// TempFiles hands out the per-round output path.
type TempFiles interface {
	Next() (string, error)
	Discard(path string)
}

type Options struct {
	AutoInfer     bool
	QuickAndDirty bool
	Debounce      time.Duration
	Editor        editor.Options
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		AutoInfer:     cfg.Editor.AutoInfer,
		QuickAndDirty: cfg.Synth.QuickAndDirty,
		Debounce:      time.Duration(cfg.Editor.DebounceMS) * time.Millisecond,
		Editor: editor.Options{
			PitchStep:   cfg.Editor.PitchStep,
			AmpFlatStep: cfg.Editor.AmpFlatStep,
		},
	}
}

type Deps struct {
	Synth     synth.Synthesizer
	Journal   Journal
	Publisher Publisher
	Temp      TempFiles
	Renderer  editor.Renderer
	Logger    *slog.Logger
	Meters    metric.MeterProvider
}

// Generation describes one completed (or skipped) generate trigger.
type Generation struct {
	Skipped       bool            `json:"skipped"`
	Fresh         bool            `json:"fresh"`
	SessionID     string          `json:"session_id,omitempty"`
	Outfile       string          `json:"outfile,omitempty"`
	SuggestedName string          `json:"suggested_name,omitempty"`
	Audio         *audiofile.Info `json:"audio,omitempty"`
	Snapshot      editor.Snapshot `json:"editor"`
}

// Controller owns the editor and serializes every mutation of it. At most one
// synthesis round is outstanding at any time.
type Controller struct {
	synth   synth.Synthesizer
	journal Journal
	pub     Publisher
	temp    TempFiles
	log     *slog.Logger
	replay  *debounce.Debouncer
	bg      sync.WaitGroup
	metrics metrics

	mu        sync.Mutex
	ed        *editor.Editor
	voice     *Voice
	inFlight  bool
	autoInfer bool
	quick     bool
	sessionID string
	closed    bool
}

func New(opts Options, deps Deps) (*Controller, error) {
	if deps.Synth == nil {
		return nil, errors.New("session: synthesizer required")
	}
	if deps.Temp == nil {
		return nil, errors.New("session: temp file store required")
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	c := &Controller{
		synth:     deps.Synth,
		journal:   deps.Journal,
		pub:       deps.Publisher,
		temp:      deps.Temp,
		log:       log.With(slog.String("component", "session")),
		ed:        editor.New(opts.Editor, deps.Renderer),
		autoInfer: opts.AutoInfer,
		quick:     opts.QuickAndDirty,
	}
	c.replay = debounce.New(opts.Debounce, c.replayEdits)
	if err := c.initMetrics(deps.Meters); err != nil {
		c.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return c, nil
}

// LoadVoice asks the server to load v. Loading the voice that is already
// loaded does nothing. On failure the previous voice stays loaded.
func (c *Controller) LoadVoice(ctx context.Context, v Voice) error {
	if strings.TrimSpace(v.ID) == "" {
		return ErrInvalidVoice
	}
	c.mu.Lock()
	if c.voice != nil && c.voice.ID == v.ID {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	err := c.synth.LoadModel(ctx, synth.LoadModelRequest{
		Outputs:       v.Outputs,
		Model:         v.Model,
		ModelSpeakers: v.ModelSpeakers,
		CMUDict:       v.CMUDict,
	})
	if err != nil {
		return fmt.Errorf("load voice %s: %w", v.ID, err)
	}

	c.mu.Lock()
	loaded := v
	c.voice = &loaded
	c.mu.Unlock()
	c.log.Info("voice loaded", slog.String("voice", v.ID), slog.String("model", v.Model))
	return nil
}

func (c *Controller) Voice() (Voice, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.voice == nil {
		return Voice{}, false
	}
	return *c.voice, true
}

// Generate runs one synthesis round for text with the loaded voice. A trigger
// that arrives while another round is outstanding returns a Skipped
// generation and sends nothing.
func (c *Controller) Generate(ctx context.Context, text string) (Generation, error) {
	text = strings.TrimSpace(text)

	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		c.recordSkipped(ctx)
		c.log.Debug("generate ignored, round in flight")
		return Generation{Skipped: true}, nil
	}
	if c.voice == nil {
		c.mu.Unlock()
		return Generation{}, ErrNoVoice
	}
	if text == "" {
		c.mu.Unlock()
		return Generation{}, ErrEmptyText
	}
	outfile, err := c.temp.Next()
	if err != nil {
		c.mu.Unlock()
		return Generation{}, fmt.Errorf("prepare output file: %w", err)
	}
	voice := *c.voice
	payload := c.ed.Payload(text, voice.ID)
	req := synth.SynthesizeRequest{
		Sequence: text,
		Pitch:    payload.Pitch,
		Duration: payload.Duration,
		SpeakerI: voice.SpeakerIndex,
		Outfile:  outfile,
		HifiGAN:  c.quick,
	}
	c.inFlight = true
	sessionID := c.sessionID
	c.mu.Unlock()

	replay := payload.Replay()
	c.publishStatus(protocol.GenerationStatus{SessionID: sessionID, State: protocol.GenerationStarted, Fresh: !replay})
	c.log.Info("synthesizing",
		slog.String("voice", voice.ID),
		slog.Bool("replay", replay),
		slog.Int("letters", len(payload.Pitch)))

	// A round that reached the server always completes; only the client
	// timeout bounds it.
	ctx = context.WithoutCancel(ctx)
	started := time.Now()
	res, err := c.synth.Synthesize(ctx, req)

	c.mu.Lock()
	c.inFlight = false
	var fresh bool
	if err == nil {
		fresh, err = c.ed.Apply(text, voice.ID, editor.Baseline{
			Sequence: res.Sequence,
			Pitch:    res.Pitch,
			Duration: res.Duration,
		})
		if err != nil {
			err = fmt.Errorf("%w: %w", synth.ErrMalformedResponse, err)
		}
	}
	if err != nil {
		c.mu.Unlock()
		c.temp.Discard(outfile)
		c.recordGeneration(ctx, !replay, started, err)
		c.publishStatus(protocol.GenerationStatus{SessionID: sessionID, State: protocol.GenerationFailed, Fresh: !replay, Error: err.Error()})
		c.log.Warn("synthesis failed", slog.String("voice", voice.ID), slog.String("error", err.Error()))
		return Generation{}, err
	}
	if fresh {
		c.sessionID = uuid.NewString()
	}
	sessionID = c.sessionID
	snap := c.ed.Snapshot()
	c.mu.Unlock()

	c.recordGeneration(ctx, fresh, started, nil)

	gen := Generation{
		Fresh:         fresh,
		SessionID:     sessionID,
		Outfile:       outfile,
		SuggestedName: audiofile.SuggestedName(text),
		Snapshot:      snap,
	}
	info, ierr := audiofile.Inspect(outfile)
	if ierr != nil {
		c.log.Warn("could not inspect generated audio", slog.String("outfile", outfile), slog.String("error", ierr.Error()))
	} else {
		gen.Audio = &info
	}

	c.journalRound(ctx, gen, voice.ID, text, req, res)
	c.publishStatus(protocol.GenerationStatus{SessionID: sessionID, State: protocol.GenerationCompleted, Fresh: fresh, Outfile: outfile})
	return gen, nil
}

func (c *Controller) journalRound(ctx context.Context, gen Generation, voiceID, text string, req synth.SynthesizeRequest, res synth.Result) {
	if c.journal == nil {
		return
	}
	if gen.Fresh {
		if err := c.journal.BeginUtterance(ctx, gen.SessionID, voiceID, text); err != nil {
			c.log.Warn("failed to journal utterance", slog.String("error", err.Error()))
			return
		}
	}
	rec := history.Generation{
		SessionID:       gen.SessionID,
		VoiceID:         voiceID,
		InputText:       text,
		CleanedSequence: res.Sequence,
		Fresh:           gen.Fresh,
		RequestPitch:    req.Pitch,
		RequestDuration: req.Duration,
		ResultPitch:     res.Pitch,
		ResultDuration:  res.Duration,
		Outfile:         gen.Outfile,
	}
	if gen.Audio != nil {
		rec.AudioDuration = gen.Audio.Duration
	}
	if err := c.journal.AppendGeneration(ctx, rec); err != nil {
		c.log.Warn("failed to journal generation", slog.String("error", err.Error()))
	}
}

func (c *Controller) publishStatus(st protocol.GenerationStatus) {
	if c.pub == nil {
		return
	}
	st.Timestamp = time.Now().UTC()
	if err := c.pub.PublishJSON(protocol.SubjectGenerationStatus, st); err != nil {
		c.log.Warn("failed to publish generation status", slog.String("error", err.Error()))
	}
}

// replayEdits is the debounced auto-infer after a duration drag.
func (c *Controller) replayEdits() {
	c.mu.Lock()
	text := c.ed.InputText()
	c.mu.Unlock()
	if text == "" {
		return
	}
	if _, err := c.Generate(context.Background(), text); err != nil {
		c.log.Warn("auto-infer failed", slog.String("error", err.Error()))
	}
}

// generateAsync starts an auto-infer round without blocking the caller.
func (c *Controller) generateAsync(text string) {
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		if _, err := c.Generate(context.Background(), text); err != nil {
			c.log.Warn("auto-infer failed", slog.String("error", err.Error()))
		}
	}()
}

func (c *Controller) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

func (c *Controller) Snapshot() editor.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ed.Snapshot()
}

func (c *Controller) Focus(i int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ed.Focus(i)
}

// SetPitch applies a slider change. With auto-infer on, a replay starts
// straight away.
func (c *Controller) SetPitch(i int, v float64) error {
	c.mu.Lock()
	if err := c.ed.SetPitch(i, v); err != nil {
		c.mu.Unlock()
		return err
	}
	auto := c.autoInfer && !c.closed
	text := c.ed.InputText()
	c.mu.Unlock()
	if auto {
		c.generateAsync(text)
	}
	return nil
}

// BeginDurationDrag starts a drag and drops any replay still waiting for
// quiescence.
func (c *Controller) BeginDurationDrag() {
	c.mu.Lock()
	c.ed.BeginDurationDrag()
	c.mu.Unlock()
	c.replay.Cancel()
}

func (c *Controller) DragDuration(v float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ed.DragDuration(v)
}

// EndDurationDrag finishes a drag. A drag that changed something schedules
// a debounced replay when auto-infer is on.
func (c *Controller) EndDurationDrag() bool {
	c.mu.Lock()
	changed := c.ed.EndDurationDrag()
	auto := c.autoInfer && !c.closed
	c.mu.Unlock()
	if changed && auto {
		c.replay.Schedule()
	}
	return changed
}

func (c *Controller) ResetLetter() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ed.ResetLetter()
}

func (c *Controller) ResetAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ed.ResetAll()
}

func (c *Controller) Amplify() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ed.Amplify()
}

func (c *Controller) Flatten() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ed.Flatten()
}

func (c *Controller) IncreasePitch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ed.IncreasePitch()
}

func (c *Controller) DecreasePitch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ed.DecreasePitch()
}

func (c *Controller) SetPace(v float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ed.SetPace(v)
}

func (c *Controller) SetAutoInfer(on bool) {
	c.mu.Lock()
	c.autoInfer = on
	c.mu.Unlock()
	if !on {
		c.replay.Cancel()
	}
}

func (c *Controller) AutoInfer() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoInfer
}

// SetQuickAndDirty switches the server vocoder. The flag is also sent with
// every synthesize call.
func (c *Controller) SetQuickAndDirty(ctx context.Context, on bool) error {
	if err := c.synth.SetMode(ctx, synth.ModeFor(on)); err != nil {
		return fmt.Errorf("set mode: %w", err)
	}
	c.mu.Lock()
	c.quick = on
	c.mu.Unlock()
	c.log.Info("vocoder mode changed", slog.String("mode", string(synth.ModeFor(on))))
	return nil
}

func (c *Controller) QuickAndDirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quick
}

// Close cancels a pending replay and waits for auto-infer rounds to return.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.replay.Close()
	c.bg.Wait()
	c.closeMetrics()
}
