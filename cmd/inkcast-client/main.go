// Command inkcast-client is a reference host: it opens a window, wires it
// up as both the hostapi.Surface and the GPU texture target, and drives a
// session against a mirror server named by -host/-port.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/hajimehoshi/ebiten/v2"
	"go.uber.org/zap"

	"github.com/inkcast/client/internal/hostapi"
	"github.com/inkcast/client/internal/session"
)

func main() {
	host := flag.String("host", "127.0.0.1", "mirror server host")
	port := flag.Int("port", 9292, "mirror server port")
	debug := flag.Bool("debug", false, "spew-dump malformed wire input")
	noGPU := flag.Bool("no-gpu", false, "force the CPU presentation back-end")
	flag.Parse()

	var log *zap.Logger
	var err error
	if *debug {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	cfg := session.DefaultConfig()
	cfg.Debug = *debug
	cfg.DisableGPU = *noGPU

	win := newHostWindow(cfg.DefaultWidth, cfg.DefaultHeight)
	gpu := &ebitenBackend{win: win}

	sess := session.New(cfg, log, gpu)
	cb := &loggingCallbacks{log: log}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
		win.requestClose()
	}()

	if err := sess.Start(ctx, win, cb, *host, *port); err != nil {
		log.Fatal("session start failed", zap.Error(err))
	}

	ebiten.SetVsyncEnabled(false)
	ebiten.SetScreenClearedEveryFrame(false)
	ebiten.SetWindowSize(cfg.DefaultWidth, cfg.DefaultHeight)
	ebiten.SetWindowTitle("inkcast-client")
	ebiten.SetWindowResizingMode(ebiten.WindowResizingModeEnabled)

	if err := ebiten.RunGameWithOptions(win, &ebiten.RunGameOptions{}); err != nil {
		log.Warn("window closed", zap.Error(err))
	}

	sess.Stop()
	sess.Stats().WriteSummaryTable(os.Stdout)
}

// loggingCallbacks reports host events to the log; a real host would drive
// UI state from these instead.
type loggingCallbacks struct {
	log *zap.Logger
}

func (c *loggingCallbacks) OnConnectionState(connected bool) {
	c.log.Info("connection state changed", zap.Bool("connected", connected))
}

func (c *loggingCallbacks) SetBrightness(value int) {
	c.log.Info("brightness command", zap.Int("value", value))
}

func (c *loggingCallbacks) SetWarmth(value int) {
	c.log.Info("warmth command", zap.Int("value", value))
}

// hostWindow is both the hostapi.Surface the presenter draws into (CPU
// path) and the ebiten.Game the window runs. When the GPU back-end is
// active, ebitenBackend bypasses the Surface entirely and hands it the
// texture to draw directly.
type hostWindow struct {
	mu   sync.Mutex
	w, h int
	bits []byte

	gpuImg *ebiten.Image

	closeOnce sync.Once
	closeCh   chan struct{}
}

func newHostWindow(w, h int) *hostWindow {
	return &hostWindow{
		w:       w,
		h:       h,
		bits:    make([]byte, w*h*4),
		closeCh: make(chan struct{}),
	}
}

func (w *hostWindow) requestClose() {
	w.closeOnce.Do(func() { close(w.closeCh) })
}

func (w *hostWindow) SetGeometry(width, height int, format hostapi.PixelFormat) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.w, w.h = width, height
	w.bits = make([]byte, width*height*4)
	w.gpuImg = nil
	return nil
}

func (w *hostWindow) Lock() (hostapi.SurfaceBuffer, error) {
	w.mu.Lock()
	return hostapi.SurfaceBuffer{Bits: w.bits, StrideInPixels: w.w, Width: w.w, Height: w.h}, nil
}

func (w *hostWindow) Unlock() error {
	w.mu.Unlock()
	return nil
}

func (w *hostWindow) Release() error {
	w.requestClose()
	return nil
}

// Update implements ebiten.Game.
func (w *hostWindow) Update() error {
	select {
	case <-w.closeCh:
		return ebiten.Termination
	default:
		return nil
	}
}

// Draw implements ebiten.Game: it presents either the GPU texture handed
// in by ebitenBackend, or the raw RGBX bytes the CPU blit path wrote into
// bits, scaled to fill the window.
func (w *hostWindow) Draw(screen *ebiten.Image) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var src *ebiten.Image
	if w.gpuImg != nil {
		src = w.gpuImg
	} else if w.bits != nil && w.w > 0 && w.h > 0 {
		src = ebiten.NewImage(w.w, w.h)
		src.WritePixels(w.bits)
	} else {
		return
	}

	srcW, srcH := src.Bounds().Dx(), src.Bounds().Dy()
	sw, sh := screen.Bounds().Dx(), screen.Bounds().Dy()
	op := &ebiten.DrawImageOptions{}
	op.GeoM.Scale(float64(sw)/float64(srcW), float64(sh)/float64(srcH))
	screen.DrawImage(src, op)
}

// Layout implements ebiten.Game.
func (w *hostWindow) Layout(outsideWidth, outsideHeight int) (int, int) {
	return outsideWidth, outsideHeight
}

// ebitenBackend implements present.GPUBackend directly against an
// ebiten.Image texture, bypassing hostWindow's Surface lock/unlock path.
type ebitenBackend struct {
	win *hostWindow
	img *ebiten.Image
}

func (b *ebitenBackend) Init(w, h int) error {
	b.img = ebiten.NewImage(w, h)

	b.win.mu.Lock()
	b.win.gpuImg = b.img
	b.win.mu.Unlock()
	return nil
}

func (b *ebitenBackend) Draw(rgbx []byte) error {
	b.img.WritePixels(rgbx)
	ebiten.ScheduleFrame()
	return nil
}

func (b *ebitenBackend) Release() {
	b.win.mu.Lock()
	b.win.gpuImg = nil
	b.win.mu.Unlock()
	b.img = nil
}
