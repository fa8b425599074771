package audiofile

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-audio/wav"
)

var ErrNotWAV = errors.New("audiofile: not a wav file")

// Info describes a rendered WAV file.
type Info struct {
	SampleRate int           `json:"sample_rate"`
	Channels   int           `json:"channels"`
	BitDepth   int           `json:"bit_depth"`
	Duration   time.Duration `json:"duration"`
}

func Inspect(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return Info{}, fmt.Errorf("%w: %s", ErrNotWAV, path)
	}
	if err := d.FwdToPCM(); err != nil {
		return Info{}, fmt.Errorf("locate wav data chunk: %w", err)
	}
	info := Info{
		SampleRate: int(d.SampleRate),
		Channels:   int(d.NumChans),
		BitDepth:   int(d.BitDepth),
	}
	bytesPerSec := info.SampleRate * info.Channels * info.BitDepth / 8
	if bytesPerSec > 0 {
		info.Duration = time.Duration(float64(d.PCMSize) / float64(bytesPerSec) * float64(time.Second))
	}
	return info, nil
}

const maxNameRunes = 260

var nameReplacer = strings.NewReplacer(
	"\r\n", " ", "\n", " ",
	"/", "", "\\", "", ":", "", "*", "", "?", "", "<", "", ">", "", "\"", "", "|", "",
)

// SuggestedName derives an output file base name from the input text.
func SuggestedName(text string) string {
	runes := []rune(text)
	if len(runes) > maxNameRunes {
		runes = runes[:maxNameRunes]
	}
	return nameReplacer.Replace(string(runes))
}
