package editor

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"unicode"
)

const (
	MinPitch = -3.0
	MaxPitch = 3.0
	NoFocus  = -1
)

var (
	ErrNoFocus         = errors.New("editor: no letter focused")
	ErrIndexOutOfRange = errors.New("editor: letter index out of range")
	ErrInvalidValue    = errors.New("editor: value is not a finite number")
	ErrLengthMismatch  = errors.New("editor: baseline length mismatch")
)

// State is the editor's lifecycle position for the current utterance.
type State int

const (
	Empty State = iota
	Loaded
	Edited
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Loaded:
		return "loaded"
	case Edited:
		return "edited"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "empty":
		*s = Empty
	case "loaded":
		*s = Loaded
	case "edited":
		*s = Edited
	default:
		return fmt.Errorf("editor: unknown state %q", text)
	}
	return nil
}

type Options struct {
	PitchStep   float64
	AmpFlatStep float64
}

func DefaultOptions() Options {
	return Options{PitchStep: 0.1, AmpFlatStep: 0.025}
}

// Baseline is what a synthesis round returned for one utterance.
type Baseline struct {
	Sequence string
	Pitch    []float64
	Duration []float64
}

// Payload is the pitch/duration part of the next synthesis request. Both
// slices are empty when the server should predict from scratch.
type Payload struct {
	Pitch    []float64 `json:"pitch"`
	Duration []float64 `json:"duration"`
}

func (p Payload) Replay() bool { return len(p.Pitch) > 0 }

// Editor holds per-letter pitch and duration edits for one utterance. It is
// not safe for concurrent use; callers serialize access.
type Editor struct {
	opts Options
	view Renderer

	inputText string
	voiceID   string

	letters      []string
	basePitch    []float64
	baseDuration []float64
	pitch        []float64
	durationMult []float64
	effective    []float64
	pace         float64
	focus        int
	ampFlat      int
	dirty        bool
	dragChanged  bool
}

func New(opts Options, view Renderer) *Editor {
	if opts.PitchStep <= 0 {
		opts.PitchStep = DefaultOptions().PitchStep
	}
	if opts.AmpFlatStep <= 0 {
		opts.AmpFlatStep = DefaultOptions().AmpFlatStep
	}
	if view == nil {
		view = NopRenderer{}
	}
	return &Editor{opts: opts, view: view, pace: 1, focus: NoFocus}
}

func (e *Editor) State() State {
	switch {
	case len(e.letters) == 0:
		return Empty
	case e.dirty:
		return Edited
	default:
		return Loaded
	}
}

func (e *Editor) InputText() string { return e.inputText }
func (e *Editor) VoiceID() string { return e.voiceID }
func (e *Editor) Len() int { return len(e.letters) }

// SplitLetters turns a cleaned sequence into widget letters, one per rune,
// with whitespace shown as an underscore.
func SplitLetters(sequence string) []string {
	out := make([]string, 0, len(sequence))
	for _, r := range sequence {
		if unicode.IsSpace(r) {
			r = '_'
		}
		out = append(out, string(r))
	}
	return out
}

// Apply folds a synthesis response into the editor. A response for new text,
// a new voice or a different cleaned sequence replaces every baseline and
// derived array at once. Otherwise the current edits are kept. Nothing is
// mutated when an error is returned.
func (e *Editor) Apply(text, voiceID string, b Baseline) (fresh bool, err error) {
	letters := SplitLetters(b.Sequence)
	if len(b.Pitch) != len(letters) || len(b.Duration) != len(letters) {
		return false, fmt.Errorf("%w: %d letters, %d pitch values, %d durations",
			ErrLengthMismatch, len(letters), len(b.Pitch), len(b.Duration))
	}
	for i := range letters {
		if !finite(b.Pitch[i]) || !finite(b.Duration[i]) {
			return false, fmt.Errorf("%w: letter %d", ErrInvalidValue, i)
		}
	}

	fresh = len(e.letters) == 0 ||
		text != e.inputText ||
		voiceID != e.voiceID ||
		!slices.Equal(letters, e.letters)

	if fresh {
		n := len(letters)
		e.inputText = text
		e.voiceID = voiceID
		e.letters = letters
		e.basePitch = append([]float64(nil), b.Pitch...)
		e.baseDuration = make([]float64, n)
		e.pitch = make([]float64, n)
		e.durationMult = make([]float64, n)
		e.effective = make([]float64, n)
		for i := 0; i < n; i++ {
			e.baseDuration[i] = math.Max(0, b.Duration[i])
			e.pitch[i] = clampPitch(e.basePitch[i])
			e.durationMult[i] = 1
		}
		e.ampFlat = 0
		e.focus = NoFocus
		e.dragChanged = false
		e.recomputeEffective()
		e.recomputeDirty()
	}

	e.rebuildView()
	return fresh, nil
}

// Focus moves the single letter focus to i.
func (e *Editor) Focus(i int) error {
	if err := e.checkIndex(i); err != nil {
		return err
	}
	if e.focus != NoFocus && e.focus != i {
		e.view.ClearFocus(e.focus)
	}
	e.focus = i
	e.view.FocusLetter(i)
	return nil
}

func (e *Editor) Focused() int { return e.focus }

// SetPitch is a per-letter slider change. Grabbing a slider focuses its letter.
func (e *Editor) SetPitch(i int, value float64) error {
	if !finite(value) {
		return ErrInvalidValue
	}
	if err := e.Focus(i); err != nil {
		return err
	}
	e.pitch[i] = clampPitch(value)
	e.dirty = true
	e.view.UpdateLetter(i, LetterUpdate{Value: ptr(e.pitch[i])})
	return nil
}

// BeginDurationDrag starts a drag on the duration control.
func (e *Editor) BeginDurationDrag() {
	e.dragChanged = false
}

// DragDuration sets the focused letter's duration multiplier.
func (e *Editor) DragDuration(mult float64) error {
	if !finite(mult) {
		return ErrInvalidValue
	}
	if e.focus == NoFocus {
		return ErrNoFocus
	}
	mult = math.Max(0, mult)
	f := e.focus
	if e.durationMult[f] != mult {
		e.dragChanged = true
		e.dirty = true
	}
	e.durationMult[f] = mult
	e.effective[f] = e.baseDuration[f] * mult * e.pace
	e.view.UpdateLetter(f, LetterUpdate{Width: ptr(Width(e.effective[f]))})
	return nil
}

// EndDurationDrag reports whether the finished drag changed anything.
func (e *Editor) EndDurationDrag() bool {
	changed := e.dragChanged
	e.dragChanged = false
	return changed
}

func (e *Editor) ResetLetter() error {
	if e.focus == NoFocus {
		return ErrNoFocus
	}
	f := e.focus
	e.durationMult[f] = 1
	e.pitch[f] = clampPitch(e.basePitch[f])
	e.effective[f] = e.baseDuration[f] * e.pace
	e.view.UpdateLetter(f, LetterUpdate{Width: ptr(Width(e.effective[f])), Value: ptr(e.pitch[f])})
	e.recomputeDirty()
	return nil
}

func (e *Editor) ResetAll() {
	for i := range e.letters {
		e.durationMult[i] = 1
		e.pitch[i] = clampPitch(e.basePitch[i])
	}
	e.recomputeEffective()
	for i := range e.letters {
		e.view.UpdateLetter(i, LetterUpdate{Width: ptr(Width(e.effective[i])), Value: ptr(e.pitch[i])})
	}
	e.recomputeDirty()
}

// Amplify exaggerates the baseline contour by one step. Per-letter slider
// edits are replaced by the scaled baseline. After enough flattening the
// factor can be negative, and amplify then inverts the contour.
func (e *Editor) Amplify() {
	e.ampFlat++
	e.rescalePitch(1 + float64(e.ampFlat)*e.opts.AmpFlatStep)
}

// Flatten pulls the baseline contour one step towards zero. The scale factor
// never drops below zero, so no letter changes sign.
func (e *Editor) Flatten() {
	e.ampFlat--
	e.rescalePitch(math.Max(0, 1+float64(e.ampFlat)*e.opts.AmpFlatStep))
}

func (e *Editor) AmpFlatCounter() int { return e.ampFlat }

// IncreasePitch shifts every letter up by one step. The result is not clamped.
func (e *Editor) IncreasePitch() { e.shiftPitch(e.opts.PitchStep) }

// DecreasePitch shifts every letter down by one step. The result is not clamped.
func (e *Editor) DecreasePitch() { e.shiftPitch(-e.opts.PitchStep) }

// SetPace sets the global duration multiplier.
func (e *Editor) SetPace(pace float64) error {
	if !finite(pace) {
		return ErrInvalidValue
	}
	e.pace = math.Max(0, pace)
	e.recomputeEffective()
	for i := range e.letters {
		e.view.UpdateLetter(i, LetterUpdate{Width: ptr(Width(e.effective[i]))})
	}
	if len(e.letters) > 0 {
		e.dirty = true
	} else {
		e.recomputeDirty()
	}
	return nil
}

func (e *Editor) Pace() float64 { return e.pace }

// Payload derives the pitch/duration arrays for the next request for text
// spoken by voiceID. Only an edited editor whose baseline came from the same
// text and voice replays its arrays.
func (e *Editor) Payload(text, voiceID string) Payload {
	if e.State() != Edited || text != e.inputText || voiceID != e.voiceID {
		return Payload{Pitch: []float64{}, Duration: []float64{}}
	}
	return Payload{
		Pitch:    append([]float64{}, e.pitch...),
		Duration: append([]float64{}, e.effective...),
	}
}

func (e *Editor) rescalePitch(factor float64) {
	for i := range e.letters {
		e.pitch[i] = clampPitch(e.basePitch[i] * factor)
		e.view.UpdateLetter(i, LetterUpdate{Value: ptr(e.pitch[i])})
	}
	if len(e.letters) > 0 {
		e.dirty = true
	}
}

func (e *Editor) shiftPitch(delta float64) {
	for i := range e.letters {
		e.pitch[i] += delta
		e.view.UpdateLetter(i, LetterUpdate{Value: ptr(e.pitch[i])})
	}
	if len(e.letters) > 0 {
		e.dirty = true
	}
}

func (e *Editor) recomputeEffective() {
	for i := range e.letters {
		e.effective[i] = e.baseDuration[i] * e.durationMult[i] * e.pace
	}
}

// recomputeDirty derives the Edited flag from net change against the baseline.
func (e *Editor) recomputeDirty() {
	if len(e.letters) == 0 {
		e.dirty = false
		return
	}
	dirty := e.pace != 1
	for i := range e.letters {
		if dirty {
			break
		}
		dirty = e.durationMult[i] != 1 || e.pitch[i] != clampPitch(e.basePitch[i])
	}
	e.dirty = dirty
}

func (e *Editor) rebuildView() {
	e.view.Reset()
	for i, letter := range e.letters {
		e.view.CreateLetter(i, letter, e.pitch[i], Width(e.effective[i]))
	}
	if e.focus != NoFocus {
		e.view.FocusLetter(e.focus)
	}
}

func (e *Editor) checkIndex(i int) error {
	if i < 0 || i >= len(e.letters) {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrIndexOutOfRange, i, len(e.letters))
	}
	return nil
}

func clampPitch(v float64) float64 {
	return math.Min(MaxPitch, math.Max(MinPitch, v))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func ptr(v float64) *float64 { return &v }
