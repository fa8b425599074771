package synth

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	AttrSequenceLength = "synth.sequence_length"
	AttrSpeaker        = "synth.speaker_index"
	AttrReplay         = "synth.replay"
	AttrHifiGAN        = "synth.hifi_gan"
	AttrLetters        = "synth.letters"
	AttrModel          = "synth.model"
	AttrMode           = "synth.mode"
	AttrErrorKind      = "error.kind"
)

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer("github.com/loqalabs/voxedit/synth").Start(ctx, name, trace.WithAttributes(attrs...))
}
