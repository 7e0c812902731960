// Package soundtest provides an in-memory sound.Engine for tests.
package soundtest

import (
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/d1nch8g/avsim-mixer/fault"
	"github.com/d1nch8g/avsim-mixer/sound"
)

// Handle is the handle type produced by Engine.
type Handle struct {
	path string
}

func (h *Handle) Path() string {
	return h.path
}

// Engine records every call and never touches audio hardware.
type Engine struct {
	mu       sync.Mutex
	broken   map[string]bool
	handles  map[*Handle]bool
	playing  map[string]bool
	volumes  map[string]float64
	finish   map[string]func()
	plays    map[string]int
	fadeOuts map[string]time.Duration
	unloaded map[string]int
	closed   bool
}

var _ sound.Engine = (*Engine)(nil)

// NewEngine returns an engine that fails to load the given file base names.
func NewEngine(broken ...string) *Engine {
	e := &Engine{
		broken:   make(map[string]bool),
		handles:  make(map[*Handle]bool),
		playing:  make(map[string]bool),
		volumes:  make(map[string]float64),
		finish:   make(map[string]func()),
		plays:    make(map[string]int),
		fadeOuts: make(map[string]time.Duration),
		unloaded: make(map[string]int),
	}
	for _, name := range broken {
		e.broken[name] = true
	}
	return e
}

func (e *Engine) Load(path string) (sound.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.broken[filepath.Base(path)] {
		return nil, errors.New("corrupt asset: " + path)
	}
	h := &Handle{path: path}
	e.handles[h] = true
	return h, nil
}

func (e *Engine) own(op string, h sound.Handle) (*Handle, error) {
	fh, ok := h.(*Handle)
	if !ok || fh == nil || !e.handles[fh] {
		return nil, fault.New(fault.CodePlaybackUnavailable, op, "invalid handle %v", h)
	}
	return fh, nil
}

func (e *Engine) Play(h sound.Handle, opts sound.PlayOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	fh, err := e.own("soundtest.play", h)
	if err != nil {
		return err
	}
	e.playing[fh.path] = true
	e.plays[fh.path]++
	e.finish[fh.path] = opts.OnFinish
	return nil
}

func (e *Engine) Stop(h sound.Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	fh, err := e.own("soundtest.stop", h)
	if err != nil {
		return err
	}
	delete(e.playing, fh.path)
	delete(e.finish, fh.path)
	return nil
}

func (e *Engine) SetVolume(h sound.Handle, level float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	fh, err := e.own("soundtest.set_volume", h)
	if err != nil {
		return err
	}
	e.volumes[fh.path] = sound.ClampVolume(level)
	return nil
}

func (e *Engine) FadeOut(h sound.Handle, d time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	fh, err := e.own("soundtest.fadeout", h)
	if err != nil {
		return err
	}
	e.fadeOuts[fh.path] = d
	return nil
}

func (e *Engine) Unload(h sound.Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	fh, err := e.own("soundtest.unload", h)
	if err != nil {
		return err
	}
	delete(e.handles, fh)
	delete(e.playing, fh.path)
	delete(e.finish, fh.path)
	e.unloaded[fh.path]++
	return nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.playing = make(map[string]bool)
	return nil
}

// Finish simulates the asset at path reaching its end.
func (e *Engine) Finish(path string) {
	e.mu.Lock()
	fn := e.finish[path]
	delete(e.finish, path)
	delete(e.playing, path)
	e.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Playing reports whether the asset at path is playing.
func (e *Engine) Playing(path string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playing[path]
}

// Volume returns the last volume applied to the asset at path.
func (e *Engine) Volume(path string) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.volumes[path]
	return v, ok
}

// Plays returns how many times the asset at path was started.
func (e *Engine) Plays(path string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.plays[path]
}

// FadeOuts returns how many fade-outs reached the engine.
func (e *Engine) FadeOuts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.fadeOuts)
}

// Unloaded returns how many handles loaded from path were released.
func (e *Engine) Unloaded(path string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unloaded[path]
}

// Closed reports whether Close was called.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
