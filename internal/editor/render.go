package editor

// LetterUpdate carries the widget fields that changed. Nil fields are left
// untouched.
type LetterUpdate struct {
	Width *float64 `json:"width,omitempty"`
	Value *float64 `json:"value,omitempty"`
}

// Renderer is the view side of the editor. Calls arrive synchronously from
// editor mutations, in order.
type Renderer interface {
	Reset()
	CreateLetter(index int, letter string, pitch, width float64)
	UpdateLetter(index int, update LetterUpdate)
	FocusLetter(index int)
	ClearFocus(index int)
}

// Width converts an effective duration into a widget length.
func Width(effectiveDuration float64) float64 {
	return effectiveDuration*10 + 50
}

type NopRenderer struct{}

func (NopRenderer) Reset() {}
func (NopRenderer) CreateLetter(int, string, float64, float64) {}
func (NopRenderer) UpdateLetter(int, LetterUpdate) {}
func (NopRenderer) FocusLetter(int) {}
func (NopRenderer) ClearFocus(int) {}
