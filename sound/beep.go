package sound

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/effects"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/speaker"
	"github.com/faiface/beep/wav"

	"github.com/d1nch8g/avsim-mixer/fault"
)

// BeepEngine plays buffered assets through the beep speaker.
type BeepEngine struct {
	mu         sync.Mutex
	sampleRate beep.SampleRate
	mixer      *beep.Mixer
	voices     map[*beepClip]*beepVoice
	started    bool
}

// Ensure BeepEngine implements Engine interface
var _ Engine = (*BeepEngine)(nil)

type beepClip struct {
	path   string
	buffer *beep.Buffer
	volume *effects.Volume
	owner  *BeepEngine

	// guarded by the owner's mu
	released bool
}

func (c *beepClip) Path() string {
	return c.path
}

// beepVoice is a single playback, removed from the mixer once it stops
// streaming.
type beepVoice struct {
	src      beep.Streamer
	env      envelope
	stopped  bool
	onFinish func()
}

func (v *beepVoice) Stream(samples [][2]float64) (int, bool) {
	if v.stopped {
		return 0, false
	}

	n, ok := v.src.Stream(samples)
	for i := 0; i < n; i++ {
		gain, done := v.env.step()
		if done {
			n, ok = i, false
			break
		}
		samples[i][0] *= gain
		samples[i][1] *= gain
	}

	if !ok || n < len(samples) {
		v.stopped = true
		if v.onFinish != nil {
			go v.onFinish()
		}
		return n, n > 0
	}
	return n, true
}

func (v *beepVoice) Err() error {
	return v.src.Err()
}

func NewBeepEngine(config PlayerConfig) *BeepEngine {
	return &BeepEngine{
		sampleRate: beep.SampleRate(int(config.SampleRate)),
		mixer:      &beep.Mixer{},
		voices:     make(map[*beepClip]*beepVoice),
	}
}

// Initialize starts the speaker with a quarter second buffer.
func (e *BeepEngine) Initialize() error {
	if err := speaker.Init(e.sampleRate, e.sampleRate.N(time.Second/4)); err != nil {
		return err
	}
	speaker.Play(e.mixer)

	e.mu.Lock()
	e.started = true
	e.mu.Unlock()
	return nil
}

func (e *BeepEngine) lock() {
	if e.started {
		speaker.Lock()
	}
}

func (e *BeepEngine) unlock() {
	if e.started {
		speaker.Unlock()
	}
}

// Load decodes an mp3 or wav asset into memory.
func (e *BeepEngine) Load(path string) (Handle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	var (
		streamer beep.StreamSeekCloser
		format   beep.Format
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		streamer, format, err = mp3.Decode(f)
	case ".wav":
		streamer, format, err = wav.Decode(f)
	default:
		f.Close()
		return nil, fmt.Errorf("unsupported audio format: %s", path)
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	defer streamer.Close()

	var src beep.Streamer = streamer
	if format.SampleRate != e.sampleRate {
		src = beep.Resample(4, format.SampleRate, e.sampleRate, streamer)
	}

	buffer := beep.NewBuffer(beep.Format{SampleRate: e.sampleRate, NumChannels: 2, Precision: 2})
	buffer.Append(src)

	return &beepClip{
		path:   path,
		buffer: buffer,
		volume: &effects.Volume{Base: 2},
		owner:  e,
	}, nil
}

func (e *BeepEngine) clip(op string, h Handle) (*beepClip, error) {
	c, ok := h.(*beepClip)
	if !ok || c == nil || c.owner != e {
		return nil, fault.New(fault.CodePlaybackUnavailable, op, "invalid handle %v", h)
	}
	return c, nil
}

// Play starts the clip, restarting it if it is already playing.
func (e *BeepEngine) Play(h Handle, opts PlayOptions) error {
	c, err := e.clip("beep.play", h)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if c.released {
		return fault.New(fault.CodePlaybackUnavailable, "beep.play", "%s was unloaded", c.path)
	}

	count := opts.Loops + 1
	if opts.Loops < 0 {
		count = -1
	}
	var src beep.Streamer = beep.Loop(count, c.buffer.Streamer(0, c.buffer.Len()))
	if opts.MaxDuration > 0 {
		src = beep.Take(e.sampleRate.N(opts.MaxDuration), src)
	}

	e.lock()
	defer e.unlock()

	if prev, ok := e.voices[c]; ok {
		prev.stopped = true
	}
	vol := &effects.Volume{
		Streamer: src,
		Base:     c.volume.Base,
		Volume:   c.volume.Volume,
		Silent:   c.volume.Silent,
	}
	v := &beepVoice{
		src:      vol,
		env:      envelope{fadeIn: e.sampleRate.N(opts.FadeIn)},
		onFinish: opts.OnFinish,
	}
	e.voices[c] = v
	e.mixer.Add(v)
	return nil
}

// Stop halts the clip without firing OnFinish.
func (e *BeepEngine) Stop(h Handle) error {
	c, err := e.clip("beep.stop", h)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.lock()
	defer e.unlock()

	if v, ok := e.voices[c]; ok {
		v.onFinish = nil
		v.stopped = true
		delete(e.voices, c)
	}
	return nil
}

// SetVolume maps the linear level onto the base-2 volume effect.
func (e *BeepEngine) SetVolume(h Handle, level float64) error {
	c, err := e.clip("beep.set_volume", h)
	if err != nil {
		return err
	}

	level = ClampVolume(level)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.lock()
	defer e.unlock()

	c.volume.Silent = level == 0
	if level > 0 {
		c.volume.Volume = math.Log2(level)
	}
	if v, ok := e.voices[c]; ok {
		if vol, ok := v.src.(*effects.Volume); ok {
			vol.Silent = c.volume.Silent
			vol.Volume = c.volume.Volume
		}
	}
	return nil
}

// FadeOut ramps the clip down over d.
func (e *BeepEngine) FadeOut(h Handle, d time.Duration) error {
	c, err := e.clip("beep.fadeout", h)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.lock()
	defer e.unlock()

	if v, ok := e.voices[c]; ok {
		v.env.startFadeOut(e.sampleRate.N(d))
	}
	return nil
}

// Unload stops the clip and drops its buffer.
func (e *BeepEngine) Unload(h Handle) error {
	c, err := e.clip("beep.unload", h)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.lock()
	defer e.unlock()

	if v, ok := e.voices[c]; ok {
		v.onFinish = nil
		v.stopped = true
		delete(e.voices, c)
	}
	c.buffer = nil
	c.released = true
	return nil
}

// Close stops every voice and shuts the speaker down.
func (e *BeepEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.lock()
	for c, v := range e.voices {
		v.onFinish = nil
		v.stopped = true
		delete(e.voices, c)
	}
	e.mixer.Clear()
	e.unlock()

	if e.started {
		speaker.Close()
		e.started = false
	}
	return nil
}
