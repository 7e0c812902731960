package sound

import (
	"errors"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// PlayerConfig tunes the output stream of a backend.
type PlayerConfig struct {
	SampleRate      float64
	FramesPerBuffer int
}

// PortaudioEngine decodes mp3 assets with go-mp3 and mixes them into a
// portaudio output stream.
type PortaudioEngine struct {
	*Mixer

	mu     sync.Mutex
	stream *portaudio.Stream
	config PlayerConfig
}

// Ensure PortaudioEngine implements Engine interface
var _ Engine = (*PortaudioEngine)(nil)

func NewPortaudioEngine(config PlayerConfig) *PortaudioEngine {
	return &PortaudioEngine{
		Mixer:  NewMixer(int(config.SampleRate)),
		config: config,
	}
}

// Initialize opens and starts the default output device.
func (p *PortaudioEngine) Initialize() error {
	if err := portaudio.Initialize(); err != nil {
		return err
	}

	stream, err := portaudio.OpenDefaultStream(
		0,
		Channels,
		p.config.SampleRate,
		p.config.FramesPerBuffer,
		p.Mixer.Mix,
	)
	if err != nil {
		portaudio.Terminate()
		return err
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return err
	}

	p.mu.Lock()
	p.stream = stream
	p.mu.Unlock()
	return nil
}

// Load decodes an mp3 asset.
func (p *PortaudioEngine) Load(path string) (Handle, error) {
	if !strings.EqualFold(filepath.Ext(path), ".mp3") {
		return nil, errors.New("portaudio backend only decodes mp3: " + path)
	}

	samples, err := DecodeMP3(path, p.Mixer.SampleRate())
	if err != nil {
		return nil, err
	}
	return p.Mixer.AddClip(path, samples), nil
}

// Close stops the stream and terminates portaudio.
func (p *PortaudioEngine) Close() error {
	p.Mixer.Clear()

	p.mu.Lock()
	stream := p.stream
	p.stream = nil
	p.mu.Unlock()

	if stream == nil {
		return nil
	}
	defer portaudio.Terminate()

	if err := stream.Stop(); err != nil {
		stream.Close()
		return err
	}
	return stream.Close()
}
