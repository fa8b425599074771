package synth

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResult(t *testing.T) {
	t.Run("three lines", func(t *testing.T) {
		res, err := ParseResult("0.1,-0.2\n1.5,2\nhi")
		require.NoError(t, err)
		assert.Equal(t, []float64{0.1, -0.2}, res.Pitch)
		assert.Equal(t, []float64{1.5, 2}, res.Duration)
		assert.Equal(t, "hi", res.Sequence)
	})

	t.Run("trailing newline and carriage returns", func(t *testing.T) {
		res, err := ParseResult("0.5\r\n3\r\na\r\n")
		require.NoError(t, err)
		assert.Equal(t, []float64{0.5}, res.Pitch)
		assert.Equal(t, []float64{3}, res.Duration)
		assert.Equal(t, "a", res.Sequence)
	})

	t.Run("sequence keeps spaces", func(t *testing.T) {
		res, err := ParseResult("0,0,0\n1,1,1\na b")
		require.NoError(t, err)
		assert.Equal(t, "a b", res.Sequence)
	})

	malformed := map[string]string{
		"too few lines":     "0.1,0.2\n1,2",
		"non numeric pitch": "0.1,abc\n1,2\nhi",
		"empty durations":   "0.1\n\nh",
		"length mismatch":   "0.1,0.2\n1\nhi",
		"empty body":        "",
	}
	for name, body := range malformed {
		t.Run(name, func(t *testing.T) {
			_, err := ParseResult(body)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedResponse))
		})
	}
}

func TestNormalizeEncodesEmptyArrays(t *testing.T) {
	data, err := json.Marshal(normalize(SynthesizeRequest{Sequence: "hi", Outfile: "out.wav"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"sequence":"hi","pitch":[],"duration":[],"speaker_i":0,"outfile":"out.wav","hifi_gan":false}`, string(data))
}

func TestModeFor(t *testing.T) {
	assert.Equal(t, ModeQuick, ModeFor(true))
	assert.Equal(t, ModeWaveGlow, ModeFor(false))
}
