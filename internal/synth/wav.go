package synth

import (
	"bytes"
	"errors"
	"time"

	"github.com/go-audio/wav"
)

// ErrNotWAV is returned for audio that is not a RIFF/WAVE container.
var ErrNotWAV = errors.New("not a WAV file")

// AudioInfo describes a WAV container.
type AudioInfo struct {
	Duration   time.Duration `json:"duration"`
	SampleRate int           `json:"sample_rate"`
	Channels   int           `json:"channels"`
	BitDepth   int           `json:"bit_depth"`
}

// InspectWAV parses the headers of a WAV file held in memory.
func InspectWAV(data []byte) (AudioInfo, error) {
	d := wav.NewDecoder(bytes.NewReader(data))
	if !d.IsValidFile() {
		return AudioInfo{}, ErrNotWAV
	}

	info := AudioInfo{
		SampleRate: int(d.SampleRate),
		Channels:   int(d.NumChans),
		BitDepth:   int(d.BitDepth),
	}

	if err := d.FwdToPCM(); err != nil {
		return info, errors.Join(ErrNotWAV, err)
	}

	bytesPerSecond := info.SampleRate * info.Channels * info.BitDepth / 8
	if bytesPerSecond > 0 {
		info.Duration = time.Duration(float64(d.PCMSize) / float64(bytesPerSecond) * float64(time.Second))
	}

	return info, nil
}
