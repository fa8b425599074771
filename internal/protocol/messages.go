package protocol

import "time"

// LetterCreate adds one letter widget to the editor strip.
type LetterCreate struct {
	Index  int     `json:"index"`
	Letter string  `json:"letter"`
	Pitch  float64 `json:"pitch"`
	Width  float64 `json:"width"`
}

// LetterUpdate changes the width and/or slider value of an existing letter.
type LetterUpdate struct {
	Index int      `json:"index"`
	Width *float64 `json:"width,omitempty"`
	Value *float64 `json:"value,omitempty"`
}

type LetterFocus struct {
	Index int `json:"index"`
}

// GenerationStatus is broadcast whenever a synthesis round starts, finishes
// or fails.
type GenerationStatus struct {
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	Fresh     bool      `json:"fresh"`
	Outfile   string    `json:"outfile,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// BackendStage reports inference server startup progress.
type BackendStage struct {
	Stage     string    `json:"stage"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectLetterReset  = "editor.letter.reset"
	SubjectLetterCreate = "editor.letter.create"
	SubjectLetterUpdate = "editor.letter.update"
	SubjectLetterFocus  = "editor.letter.focus"
	SubjectLetterBlur   = "editor.letter.blur"

	SubjectGenerationStatus = "synth.generation.status"
	SubjectBackendStage     = "synth.backend.stage"
)

const (
	GenerationStarted   = "started"
	GenerationCompleted = "completed"
	GenerationFailed    = "failed"
)
