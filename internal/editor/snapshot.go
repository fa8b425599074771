package editor

// Snapshot is a point-in-time copy of the editor for callers outside the
// owning goroutine.
type Snapshot struct {
	State              State     `json:"state"`
	InputText          string    `json:"input_text"`
	VoiceID            string    `json:"voice_id"`
	Letters            []string  `json:"letters"`
	BasePitch          []float64 `json:"base_pitch"`
	BaseDuration       []float64 `json:"base_duration"`
	Pitch              []float64 `json:"pitch"`
	DurationMultiplier []float64 `json:"duration_multiplier"`
	EffectiveDuration  []float64 `json:"effective_duration"`
	Pace               float64   `json:"pace"`
	Focus              int       `json:"focus"`
	AmpFlatCounter     int       `json:"amp_flat_counter"`
}

func (e *Editor) Snapshot() Snapshot {
	return Snapshot{
		State:              e.State(),
		InputText:          e.inputText,
		VoiceID:            e.voiceID,
		Letters:            append([]string{}, e.letters...),
		BasePitch:          append([]float64{}, e.basePitch...),
		BaseDuration:       append([]float64{}, e.baseDuration...),
		Pitch:              append([]float64{}, e.pitch...),
		DurationMultiplier: append([]float64{}, e.durationMult...),
		EffectiveDuration:  append([]float64{}, e.effective...),
		Pace:               e.pace,
		Focus:              e.focus,
		AmpFlatCounter:     e.ampFlat,
	}
}
