package sound

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/hajimehoshi/go-mp3"
)

// DecodeMP3 reads an mp3 file into interleaved stereo float32 samples at
// sampleRate.
func DecodeMP3(path string, sampleRate int) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	decoder, err := mp3.NewDecoder(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	raw, err := io.ReadAll(decoder)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	samples := convertBytesToSamples(raw)
	if len(samples) == 0 {
		return nil, fmt.Errorf("no audio frames in %s", path)
	}
	if decoder.SampleRate() != sampleRate {
		samples = Resample(samples, decoder.SampleRate(), sampleRate)
	}
	return samples, nil
}

// convertBytesToSamples turns little-endian 16-bit PCM into floats in [-1, 1).
func convertBytesToSamples(audioBytes []byte) []float32 {
	samples := make([]float32, len(audioBytes)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(audioBytes[i*2:i*2+2]))) / 32768
	}
	// go-mp3 always yields stereo; drop a dangling half frame
	return samples[:len(samples)/Channels*Channels]
}

// Resample converts interleaved stereo samples between rates with linear
// interpolation.
func Resample(samples []float32, from, to int) []float32 {
	if from <= 0 || to <= 0 || from == to {
		return samples
	}

	inFrames := len(samples) / Channels
	if inFrames == 0 {
		return samples[:0]
	}
	outFrames := int(int64(inFrames) * int64(to) / int64(from))
	out := make([]float32, outFrames*Channels)

	ratio := float64(from) / float64(to)
	for i := 0; i < outFrames; i++ {
		src := float64(i) * ratio
		j := int(src)
		frac := float32(src - float64(j))
		next := j + 1
		if next >= inFrames {
			next = inFrames - 1
		}
		for ch := 0; ch < Channels; ch++ {
			a := samples[j*Channels+ch]
			b := samples[next*Channels+ch]
			out[i*Channels+ch] = a + (b-a)*frac
		}
	}
	return out
}
