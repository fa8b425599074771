package synth

import (
	"context"
	"errors"
)

var (
	// ErrUnreachable means the inference server could not be reached at all,
	// typically because it has not started yet or the port is taken.
	ErrUnreachable = errors.New("synth: service not reachable")
	// ErrMalformedResponse means a /synthesize body did not decode into
	// pitch, duration and sequence lines.
	ErrMalformedResponse = errors.New("synth: malformed response")
	// ErrStatus means the server answered with a non-2xx status.
	ErrStatus = errors.New("synth: unexpected status")
)

// Mode selects the vocoder used by the server.
type Mode string

const (
	ModeQuick    Mode = "qnd"
	ModeWaveGlow Mode = "wg"
)

// ModeFor maps the quick-and-dirty toggle to a server mode.
func ModeFor(quickAndDirty bool) Mode {
	if quickAndDirty {
		return ModeQuick
	}
	return ModeWaveGlow
}

// SynthesizeRequest is the /synthesize body. Empty Pitch and Duration ask the
// server to predict defaults.
type SynthesizeRequest struct {
	Sequence string    `json:"sequence"`
	Pitch    []float64 `json:"pitch"`
	Duration []float64 `json:"duration"`
	SpeakerI int       `json:"speaker_i"`
	Outfile  string    `json:"outfile"`
	HifiGAN  bool      `json:"hifi_gan"`
}

// LoadModelRequest is the /loadModel body.
type LoadModelRequest struct {
	Outputs       int    `json:"outputs"`
	Model         string `json:"model"`
	ModelSpeakers int    `json:"model_speakers"`
	CMUDict       bool   `json:"cmudict"`
}

type setModeRequest struct {
	HifiGAN Mode `json:"hifi_gan"`
}

// Result is a decoded /synthesize response.
type Result struct {
	Pitch    []float64
	Duration []float64
	Sequence string
}

// Synthesizer is the contract the session controller depends on.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthesizeRequest) (Result, error)
	LoadModel(ctx context.Context, req LoadModelRequest) error
	SetMode(ctx context.Context, mode Mode) error
}
