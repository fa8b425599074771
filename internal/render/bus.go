package render

import (
	"log/slog"

	"github.com/loqalabs/voxedit/internal/editor"
	"github.com/loqalabs/voxedit/internal/protocol"
)

// Publisher is the part of the bus client the renderer needs.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// BusRenderer forwards editor widget changes as bus events, in call order.
// A failed publish is logged and dropped.
type BusRenderer struct {
	pub Publisher
	log *slog.Logger
}

var _ editor.Renderer = (*BusRenderer)(nil)

func NewBusRenderer(pub Publisher, log *slog.Logger) *BusRenderer {
	return &BusRenderer{pub: pub, log: log.With(slog.String("component", "render"))}
}

func (r *BusRenderer) Reset() {
	r.publish(protocol.SubjectLetterReset, struct{}{})
}

func (r *BusRenderer) CreateLetter(index int, letter string, pitch, width float64) {
	r.publish(protocol.SubjectLetterCreate, protocol.LetterCreate{
		Index:  index,
		Letter: letter,
		Pitch:  pitch,
		Width:  width,
	})
}

func (r *BusRenderer) UpdateLetter(index int, update editor.LetterUpdate) {
	r.publish(protocol.SubjectLetterUpdate, protocol.LetterUpdate{
		Index: index,
		Width: update.Width,
		Value: update.Value,
	})
}

func (r *BusRenderer) FocusLetter(index int) {
	r.publish(protocol.SubjectLetterFocus, protocol.LetterFocus{Index: index})
}

func (r *BusRenderer) ClearFocus(index int) {
	r.publish(protocol.SubjectLetterBlur, protocol.LetterFocus{Index: index})
}

func (r *BusRenderer) publish(subject string, v any) {
	if r.pub == nil {
		return
	}
	if err := r.pub.PublishJSON(subject, v); err != nil {
		r.log.Warn("failed to publish editor event",
			slog.String("subject", subject),
			slog.String("error", err.Error()))
	}
}
