// Package present consumes reconstructed frames from a handoff slot and
// draws them to a host surface: a GPU textured-quad path backed by ebiten
// when available, falling back permanently to a CPU grey→RGBX blit if GPU
// bring-up or any subsequent draw fails.
package present

import (
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/inkcast/client/internal/hostapi"
	"github.com/inkcast/client/internal/xorblit"
)

// State names a point in the presenter's one-way state machine:
// Uninit -> GPUReady -> (GPUFailed ->) CPUOnly. Once CPUOnly, a Presenter
// never returns to GPUReady for the lifetime of the session.
type State int

const (
	StateUninit State = iota
	StateGPUReady
	StateCPUOnly
)

func (s State) String() string {
	switch s {
	case StateUninit:
		return "uninit"
	case StateGPUReady:
		return "gpu"
	case StateCPUOnly:
		return "cpu"
	default:
		return "unknown"
	}
}

// Config tunes optional presenter behavior.
type Config struct {
	// PreferR8, when true, configures the surface as R8 and has the CPU
	// back-end write raw greyscale bytes into it, skipping grey->RGBX
	// expansion. The surface is not probed for R8 support; an error from
	// its SetGeometry is returned to the caller.
	// Defaults to false: on the reference hardware this format was not
	// compositable by the system compositor, so it ships disabled.
	PreferR8 bool

	// DisableGPU skips the GPU back-end entirely and starts directly in
	// CPUOnly. Used by hosts with no accelerated surface, and by tests.
	DisableGPU bool
}

// GPUBackend is the seam to an accelerated texture upload path. A real
// implementation wraps an ebiten.Image; see cmd/inkcast-client for the
// reference wiring.
type GPUBackend interface {
	// Init (re)configures the backend for a w*h greyscale frame. An error
	// here permanently disables the GPU path for this Presenter.
	Init(w, h int) error

	// Draw uploads rgbx (already expanded, 4*w*h bytes) and presents it.
	// An error here permanently disables the GPU path for this Presenter.
	Draw(rgbx []byte) error

	// Release tears down backend resources.
	Release()
}

// Presenter owns the state machine and the scratch RGBX conversion buffer.
// Every method holds p.mu, so the session may call SetGeometry from its
// read loop while the draw loop calls Present.
type Presenter struct {
	cfg     Config
	log     *zap.Logger
	surface hostapi.Surface
	gpu     GPUBackend

	mu    sync.Mutex
	state State

	w, h int
	rgbx []byte

	fallbacks uint64

	// uploadDur/swapDur are the wall time of the most recent Present call's
	// texture-upload-or-blit step and surface-commit step respectively, for
	// the controller's per-stage timing stats (spec §4.4/§4.5). On the GPU
	// path there is no separate swap to time: ebiten's own frame pump
	// composites asynchronously, so swapDur stays zero there.
	uploadDur time.Duration
	swapDur   time.Duration
}

// New returns a Presenter that draws into surface, trying gpu first unless
// cfg.DisableGPU is set. gpu may be nil, which is equivalent to
// DisableGPU=true.
func New(cfg Config, log *zap.Logger, surface hostapi.Surface, gpu GPUBackend) *Presenter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Presenter{
		cfg:     cfg,
		log:     log,
		surface: surface,
		gpu:     gpu,
		state:   StateUninit,
	}
}

// State returns the presenter's current back-end state.
func (p *Presenter) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// FallbackCount returns the cumulative count of GPU->CPU back-end
// transitions for this Presenter's lifetime (at most 1, since the
// transition is one-way, but counted rather than booleaned to match the
// other cumulative counters the controller polls).
func (p *Presenter) FallbackCount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fallbacks
}

// UploadDuration returns the wall time of the most recent Present call's
// texture-upload-or-blit step.
func (p *Presenter) UploadDuration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uploadDur
}

// SwapDuration returns the wall time of the most recent Present call's
// surface-commit step (zero on the GPU path; see Presenter.swapDur).
func (p *Presenter) SwapDuration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.swapDur
}

// SetGeometry (re)configures the presenter and its surface for a w*h
// session. Tries the GPU back-end first (unless disabled or already
// failed), falling through to CPU on any error.
func (p *Presenter) SetGeometry(w, h int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.w, p.h = w, h
	p.rgbx = make([]byte, w*h*4)

	format := hostapi.PixelFormatRGBX8888
	if p.cfg.PreferR8 {
		format = hostapi.PixelFormatR8
	}
	if err := p.surface.SetGeometry(w, h, format); err != nil {
		return pkgerrors.Wrap(err, "present: surface SetGeometry failed")
	}

	if p.state != StateCPUOnly && !p.cfg.DisableGPU && p.gpu != nil {
		if err := p.gpu.Init(w, h); err != nil {
			p.log.Warn("gpu init failed, falling back to cpu presentation", zap.Error(err))
			p.failToCPU()
		} else {
			p.state = StateGPUReady
		}
	} else if p.state == StateUninit {
		p.state = StateCPUOnly
	}
	return nil
}

// Present draws one greyscale frame, already the current w*h size. It
// dispatches to the GPU or CPU back-end depending on current state,
// falling through to CPU permanently if the GPU back-end fails.
func (p *Presenter) Present(grey []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateGPUReady {
		uploadStart := time.Now()
		xorblit.GreyToRGBX(p.rgbx, grey)
		drawErr := p.gpu.Draw(p.rgbx)
		p.uploadDur = time.Since(uploadStart)
		p.swapDur = 0

		if drawErr != nil {
			p.log.Warn("gpu draw failed, falling back to cpu presentation", zap.Error(drawErr))
			p.failToCPU()
			format := hostapi.PixelFormatRGBX8888
			if p.cfg.PreferR8 {
				format = hostapi.PixelFormatR8
			}
			if err := p.surface.SetGeometry(p.w, p.h, format); err != nil {
				return pkgerrors.Wrap(err, "present: surface SetGeometry after gpu fallback failed")
			}
		} else {
			return nil
		}
	}

	return p.presentCPU(grey)
}

func (p *Presenter) presentCPU(grey []byte) error {
	buf, err := p.surface.Lock()
	if err != nil {
		return pkgerrors.Wrap(err, "present: surface Lock failed")
	}

	rows := p.h
	if buf.Height < rows {
		rows = buf.Height
	}
	cols := p.w
	if buf.Width < cols {
		cols = buf.Width
	}

	uploadStart := time.Now()
	for row := 0; row < rows; row++ {
		srcOff := row * p.w
		if p.cfg.PreferR8 {
			dstOff := row * buf.StrideInPixels
			copy(buf.Bits[dstOff:dstOff+cols], grey[srcOff:srcOff+cols])
			continue
		}
		dstOff := row * buf.StrideInPixels * 4
		xorblit.GreyToRGBX(buf.Bits[dstOff:dstOff+cols*4], grey[srcOff:srcOff+cols])
	}
	p.uploadDur = time.Since(uploadStart)

	swapStart := time.Now()
	if err := p.surface.Unlock(); err != nil {
		return pkgerrors.Wrap(err, "present: surface Unlock failed")
	}
	p.swapDur = time.Since(swapStart)
	return nil
}

// failToCPU transitions the state machine to CPUOnly and releases the GPU
// backend. Must be called with p.mu held.
func (p *Presenter) failToCPU() {
	if p.state == StateCPUOnly {
		return
	}
	if p.gpu != nil {
		p.gpu.Release()
	}
	p.state = StateCPUOnly
	p.fallbacks++
}

// Release tears down the active back-end and the surface.
func (p *Presenter) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateGPUReady && p.gpu != nil {
		p.gpu.Release()
	}
	return p.surface.Release()
}
