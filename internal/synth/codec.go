package synth

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseResult decodes the three-line /synthesize body: comma separated pitch
// values, comma separated durations, then the cleaned sequence.
func ParseResult(body string) (Result, error) {
	lines := strings.Split(body, "\n")
	if len(lines) < 3 {
		return Result{}, fmt.Errorf("%w: expected 3 lines, got %d", ErrMalformedResponse, len(lines))
	}
	pitch, err := parseFloats(lines[0])
	if err != nil {
		return Result{}, fmt.Errorf("%w: pitch line: %v", ErrMalformedResponse, err)
	}
	duration, err := parseFloats(lines[1])
	if err != nil {
		return Result{}, fmt.Errorf("%w: duration line: %v", ErrMalformedResponse, err)
	}
	if len(pitch) != len(duration) {
		return Result{}, fmt.Errorf("%w: %d pitch values but %d durations", ErrMalformedResponse, len(pitch), len(duration))
	}
	return Result{
		Pitch:    pitch,
		Duration: duration,
		Sequence: strings.TrimRight(lines[2], "\r"),
	}, nil
}

func parseFloats(line string) ([]float64, error) {
	parts := strings.Split(strings.TrimRight(line, "\r"), ",")
	out := make([]float64, 0, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func normalize(req SynthesizeRequest) SynthesizeRequest {
	if req.Pitch == nil {
		req.Pitch = []float64{}
	}
	if req.Duration == nil {
		req.Duration = []float64{}
	}
	return req
}
