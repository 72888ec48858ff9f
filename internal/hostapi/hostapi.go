// Package hostapi defines the seam between the session core and whatever
// hosts it: the on-screen surface the presenter draws into, and the
// callbacks the session uses to report connection state and server
// commands back out. Nothing in this package touches a socket, a file, or
// the network — it is pure interface and constant definitions.
package hostapi

// PixelFormat names a pixel layout a Surface can be configured for.
type PixelFormat int

const (
	// PixelFormatRGBX8888 is four bytes per pixel, (r,g,b,x), the format
	// the CPU back-end blits into.
	PixelFormatRGBX8888 PixelFormat = iota

	// PixelFormatR8 is one byte per pixel, raw greyscale. Carried for
	// parity with the original renderer's disabled fast path: writing
	// greyscale bytes straight into an R8-format buffer skips the
	// grey→RGBX expansion entirely. Never selected by default — see
	// present.Config.PreferR8 — because on the reference hardware this
	// format was not compositable by the system compositor.
	PixelFormatR8
)

// SurfaceBuffer is the locked, writable view of a Surface returned by
// Lock. StrideInPixels may exceed Width when the surface's backing memory
// is row-padded; callers must never assume Width == StrideInPixels.
type SurfaceBuffer struct {
	Bits           []byte
	StrideInPixels int
	Width          int
	Height         int
}

// Surface is the host-owned drawable the presenter renders into. A Surface
// implementation is not expected to be safe for concurrent use; the
// presenter is its only caller.
type Surface interface {
	// SetGeometry (re)configures the surface for a new resolution and
	// pixel format. Called once at session start and again on every
	// accepted CMD_RESOLUTION.
	SetGeometry(w, h int, format PixelFormat) error

	// Lock returns a writable view of the surface's current backing
	// buffer. Must be paired with a call to Unlock.
	Lock() (SurfaceBuffer, error)

	// Unlock commits whatever was written since Lock and makes it visible.
	Unlock() error

	// Release tears down any resources the surface holds. Called once,
	// during Session.Stop.
	Release() error
}

// Callbacks is the set of events the session reports to its host.
type Callbacks interface {
	// OnConnectionState is called on every Disconnected<->Connected
	// transition.
	OnConnectionState(connected bool)

	// SetBrightness is called when the server sends CMD_BRIGHTNESS.
	SetBrightness(value int)

	// SetWarmth is called when the server sends CMD_WARMTH.
	SetWarmth(value int)
}
