// Package session implements the two control entry points a host uses to
// drive the mirror client: Start spawns the session thread (connect,
// read, reconstruct, ack) and the presenter thread (take, draw); Stop
// tears both down and releases the surface.
package session

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/inkcast/client/internal/handoff"
	"github.com/inkcast/client/internal/hostapi"
	"github.com/inkcast/client/internal/present"
	"github.com/inkcast/client/internal/reconstruct"
	"github.com/inkcast/client/internal/statlog"
	"github.com/inkcast/client/internal/wire"
)

// maxHostLen mirrors the native g_host[64] fixed buffer (63 usable bytes
// plus a NUL terminator).
const maxHostLen = 63

// Config tunes session behavior. The zero value is not valid; use
// DefaultConfig.
type Config struct {
	DefaultWidth, DefaultHeight int
	ReconnectDelay              time.Duration
	StatsInterval               time.Duration
	SkipTinyDeltas              bool
	PreferR8                    bool
	DisableGPU                  bool

	// Debug, when set, spew-dumps the framer error on every desynced or
	// lost connection, matching the teacher's spew.Dump panic-recovery
	// idiom for malformed input.
	Debug bool
}

// DefaultConfig returns the conservative, spec-mandated defaults: a
// 1024x768 starting resolution, a flat 1s reconnect delay, and a 5s
// statistics reporting interval.
func DefaultConfig() Config {
	return Config{
		DefaultWidth:   1024,
		DefaultHeight:  768,
		ReconnectDelay: time.Second,
		StatsInterval:  5 * time.Second,
	}
}

// Session owns socket lifetime, the current resolution, all buffers, the
// handoff slot, the presenter, and the running flag. One Session is one
// logical mirroring connection; it may reconnect many times internally
// without the host noticing beyond OnConnectionState callbacks.
type Session struct {
	cfg Config
	log *zap.Logger
	id  uuid.UUID

	cb   hostapi.Callbacks
	gpu  present.GPUBackend
	stat *statlog.Stats

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Set up by Start. After that, w, h, recon and the last* counters
	// belong to the session-loop goroutine, except lastFallbk, which the
	// presenter goroutine owns; slot and presenter are shared by both and
	// lock internally.
	w, h        int
	recon       *reconstruct.Reconstructor
	slot        *handoff.Slot
	presenter   *present.Presenter
	lastDrop    uint64
	lastTinySkp uint64
	lastOverwr  uint64
	lastFallbk  uint64
}

// New returns a Session ready for Start. gpu may be nil to force
// CPU-only presentation (e.g. for a host with no accelerated surface).
func New(cfg Config, log *zap.Logger, gpu present.GPUBackend) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		cfg:  cfg,
		log:  log,
		id:   uuid.New(),
		gpu:  gpu,
		stat: statlog.New(),
	}
}

// Stats returns the session's running statistics. Safe to call at any
// time, including after Stop.
func (s *Session) Stats() *statlog.Stats {
	return s.stat
}

// Start connects to host:port and begins mirroring onto surface,
// reporting events through cb. Idempotent: calling Start while already
// running is a no-op that returns nil.
func (s *Session) Start(ctx context.Context, surface hostapi.Surface, cb hostapi.Callbacks, host string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if len(host) > maxHostLen {
		return pkgerrors.Errorf("session: host %q exceeds %d bytes", host, maxHostLen)
	}

	s.w, s.h = s.cfg.DefaultWidth, s.cfg.DefaultHeight
	s.cb = cb
	s.recon = reconstruct.New(reconstruct.Config{SkipTinyDeltas: s.cfg.SkipTinyDeltas}, s.w, s.h)
	s.slot = handoff.New(s.w * s.h)
	s.presenter = present.New(present.Config{PreferR8: s.cfg.PreferR8, DisableGPU: s.cfg.DisableGPU}, s.log, surface, s.gpu)

	if err := s.presenter.SetGeometry(s.w, s.h); err != nil {
		return pkgerrors.Wrap(err, "session: initial SetGeometry failed")
	}
	s.recon.Whiteout()
	s.slot.Publish(s.recon.Frame(), 0)

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(3)
	go s.presentLoop(runCtx)
	go s.sessionLoop(runCtx, host, port)
	go s.statsLoop(runCtx)

	s.log.Info("session started", zap.String("session_id", s.id.String()), zap.String("host", host), zap.Int("port", port))
	return nil
}

// Stop blocks until the session, presenter, and stats goroutines have all
// exited and the surface has been released. Idempotent.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	slot := s.slot
	s.mu.Unlock()

	cancel()
	slot.Stop()
	s.wg.Wait()

	if err := s.presenter.Release(); err != nil {
		s.log.Warn("presenter release failed", zap.Error(err))
	}
	s.log.Info("session stopped", zap.String("session_id", s.id.String()))
}

// presentLoop runs on the presenter's dedicated goroutine: take the
// latest reconstructed frame and draw it, forever, until the slot is
// stopped.
func (s *Session) presentLoop(ctx context.Context) {
	defer s.wg.Done()

	var out []byte
	for {
		if n := s.slot.FrameSize(); len(out) != n {
			out = make([]byte, n)
		}

		seq, ok := s.slot.Take(out)
		if !ok {
			return
		}
		if err := s.presenter.Present(out); err != nil {
			s.log.Warn("present failed", zap.Error(err), zap.Uint32("seq", seq))
		}
		s.stat.RecordPresentStages(s.presenter.UploadDuration(), s.presenter.SwapDuration())

		if fallbacks := s.presenter.FallbackCount(); fallbacks > s.lastFallbk {
			s.stat.RecordBackendFallback(fallbacks - s.lastFallbk)
			s.lastFallbk = fallbacks
		}
	}
}

// sessionLoop owns the socket: connect, read, reconstruct, ack, publish,
// reconnecting with a flat delay on any transient failure until the
// context is canceled.
func (s *Session) sessionLoop(ctx context.Context, host string, port int) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.runConnection(ctx, host, port); err != nil {
			s.log.Warn("connection ended", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.ReconnectDelay):
		}
	}
}

func (s *Session) statsInterval() time.Duration {
	if s.cfg.StatsInterval <= 0 {
		return 5 * time.Second
	}
	return s.cfg.StatsInterval
}

func (s *Session) statsLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.statsInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.stat.LogPeriodic(s.log)
		}
	}
}

// runConnection owns exactly one TCP connection's lifetime: connect,
// notify Connected, read loop, on any break close and notify
// Disconnected. Returns a non-nil error only to describe why the
// connection ended; the caller always reconnects.
func (s *Session) runConnection(ctx context.Context, host string, port int) error {
	conn, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return pkgerrors.Wrap(err, "session: dial failed")
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	defer conn.Close()

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchDone:
		}
	}()

	s.cb.OnConnectionState(true)
	defer func() {
		s.recon.Whiteout()
		s.slot.Publish(s.recon.Frame(), 0)
		s.cb.OnConnectionState(false)
	}()

	f := wire.NewFramer(conn, s.w*s.h+256)

	for {
		recvStart := time.Now()
		pkt, err := f.ReadPacket()
		recvDur := time.Since(recvStart)
		if err != nil {
			if s.cfg.Debug {
				spew.Dump(err)
			}
			return err
		}

		switch p := pkt.(type) {
		case wire.CommandPacket:
			if err := s.handleCommand(p, conn, f); err != nil {
				return err
			}
		case wire.FramePacket:
			if err := s.handleFrame(p, conn, recvDur); err != nil {
				return err
			}
		}
	}
}

func (s *Session) handleCommand(p wire.CommandPacket, conn net.Conn, f *wire.Framer) error {
	switch p.Cmd {
	case wire.CmdResolution:
		if p.W == 0 || p.H == 0 || p.W > 4096 || p.H > 4096 {
			s.log.Warn("ignoring out-of-range resolution command", zap.Uint16("w", p.W), zap.Uint16("h", p.H))
			return nil
		}
		s.reallocate(int(p.W), int(p.H), f)
	case wire.CmdBrightness:
		s.cb.SetBrightness(int(p.Value))
	case wire.CmdWarmth:
		s.cb.SetWarmth(int(p.Value))
	default:
		// Unknown command: one value byte already consumed by the framer,
		// nothing further to do.
	}
	return nil
}

func (s *Session) handleFrame(p wire.FramePacket, conn net.Conn, recvDur time.Duration) error {
	published, err := s.recon.Ingest(p)
	if err != nil {
		return pkgerrors.Wrap(err, "session: frame reconstruction failed")
	}
	if !published {
		return nil
	}

	if dropped := s.recon.DroppedSequences(); dropped > s.lastDrop {
		s.stat.RecordSequenceGap(dropped - s.lastDrop)
		s.lastDrop = dropped
	}
	if skipped := s.recon.TinySkipped(); skipped > s.lastTinySkp {
		s.stat.RecordDeltaSkipped(skipped - s.lastTinySkp)
		s.lastTinySkp = skipped
	}
	s.stat.RecordFrame(len(s.recon.Frame()))
	s.stat.RecordIngestStages(recvDur, s.recon.DecompressDuration(), s.recon.ApplyDuration())

	kind := "delta"
	if p.Keyframe() {
		kind = "keyframe"
	}
	s.stat.RecordPacketMeta(kind, len(p.Payload))

	var ack [wire.AckSize]byte
	wire.EncodeAck(ack[:], p.Seq)
	if _, err := conn.Write(ack[:]); err != nil {
		// Ack failures are logged but non-fatal: reconstruction already
		// succeeded and C is consistent.
		s.log.Warn("ack send failed", zap.Error(err), zap.Uint32("seq", p.Seq))
	}

	s.slot.Publish(s.recon.Frame(), p.Seq)
	if overwritten := s.slot.OverwrittenCount(); overwritten > s.lastOverwr {
		s.stat.RecordOverwritten(overwritten - s.lastOverwr)
		s.lastOverwr = overwritten
	}
	return nil
}

// reallocate reallocates the reconstructor, framer scratch, handoff slot,
// and presenter geometry for a new resolution. Unlike the native
// allocate-then-swap design, Go's make never reports allocation failure
// short of a fatal out-of-memory abort, so there is no partial-failure
// path to recover from here — every component is simply resized in turn.
// f's payload cap must grow (or shrink) in lockstep, or the next keyframe
// at the new resolution trips wire.ErrOversizedPayload against the stale
// cap from connection setup.
func (s *Session) reallocate(w, h int, f *wire.Framer) {
	s.recon.Reset(w, h)
	s.slot.Resize(w * h)
	f.SetMaxPayload(w*h + 256)
	if err := s.presenter.SetGeometry(w, h); err != nil {
		s.log.Warn("presenter SetGeometry failed on resolution change", zap.Error(err))
	}
	s.w, s.h = w, h
}

