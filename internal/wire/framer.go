package wire

import (
	"errors"
	"io"

	pkgerrors "github.com/pkg/errors"
)

// ErrConnectionLost is returned by ReadPacket when the underlying reader
// fails or closes mid-read. It is never wrapped with positional detail
// because by definition nothing more can be learned from the stream.
var ErrConnectionLost = errors.New("wire: connection lost")

// ErrDesync is returned when the first magic byte is wrong, or the second
// (kind) byte names neither a frame nor a command packet. The framer makes
// no attempt to resynchronize: on a TCP stream this can only mean the peer
// and client have diverged, which is unrecoverable within the connection.
var ErrDesync = errors.New("wire: stream desynchronized")

// ErrOversizedPayload is returned when a frame packet declares a length
// greater than maxPayload.
var ErrOversizedPayload = errors.New("wire: frame payload exceeds maximum")

// Framer reads typed packets from a reliable byte stream. It is not
// safe for concurrent use; the session controller owns it from a single
// goroutine.
type Framer struct {
	r   io.Reader
	buf [FrameHeaderSize]byte

	// payload is the reusable compressed-buffer scratch space; grown only
	// on resolution change via SetMaxPayload.
	payload    []byte
	maxPayload int
}

// NewFramer returns a Framer reading from r, accepting frame payloads up to
// maxPayload bytes (W*H + 256 at the current resolution).
func NewFramer(r io.Reader, maxPayload int) *Framer {
	return &Framer{
		r:          r,
		payload:    make([]byte, maxPayload),
		maxPayload: maxPayload,
	}
}

// SetMaxPayload grows (or shrinks) the reusable payload buffer for a new
// resolution. Called by the session controller only while no read is in
// flight.
func (f *Framer) SetMaxPayload(maxPayload int) {
	f.maxPayload = maxPayload
	if cap(f.payload) < maxPayload {
		f.payload = make([]byte, maxPayload)
	} else {
		f.payload = f.payload[:maxPayload]
	}
}

// ReadPacket reads exactly one packet: a FramePacket or a CommandPacket.
// The FramePacket's Payload slice aliases the framer's internal buffer and
// is only valid until the next call to ReadPacket.
func (f *Framer) ReadPacket() (Packet, error) {
	var magic [2]byte
	if err := readExact(f.r, magic[:]); err != nil {
		return nil, ErrConnectionLost
	}

	if magic[0] != magic0 {
		return nil, pkgerrors.Wrapf(ErrDesync, "bad magic byte 0x%02x", magic[0])
	}

	switch magic[1] {
	case kindCmd:
		return f.readCommand()
	case kindFrame:
		return f.readFrame()
	default:
		return nil, pkgerrors.Wrapf(ErrDesync, "unknown packet kind 0x%02x", magic[1])
	}
}

func (f *Framer) readCommand() (Packet, error) {
	var cmdByte [1]byte
	if err := readExact(f.r, cmdByte[:]); err != nil {
		return nil, ErrConnectionLost
	}
	cmd := cmdByte[0]

	if cmd == CmdResolution {
		var body [4]byte
		if err := readExact(f.r, body[:]); err != nil {
			return nil, ErrConnectionLost
		}
		return CommandPacket{
			Cmd: cmd,
			W:   uint16(body[0]) | uint16(body[1])<<8,
			H:   uint16(body[2]) | uint16(body[3])<<8,
		}, nil
	}

	var value [1]byte
	if err := readExact(f.r, value[:]); err != nil {
		return nil, ErrConnectionLost
	}
	return CommandPacket{Cmd: cmd, Value: value[0]}, nil
}

func (f *Framer) readFrame() (Packet, error) {
	if err := readExact(f.r, f.buf[:]); err != nil {
		return nil, ErrConnectionLost
	}

	flags := f.buf[0]
	seq := leUint32(f.buf[1:5])
	length := leUint32(f.buf[5:9])

	if length > uint32(f.maxPayload) {
		return nil, pkgerrors.Wrapf(ErrOversizedPayload, "length=%d max=%d", length, f.maxPayload)
	}

	payload := f.payload[:length]
	if err := readExact(f.r, payload); err != nil {
		return nil, ErrConnectionLost
	}

	return FramePacket{Flags: flags, Seq: seq, Payload: payload}, nil
}

// readExact reads len(buf) bytes from r, retrying on short reads. Any error
// or a zero-byte read before buf is full is reported as connection loss.
func readExact(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}

func leUint32(b []byte) uint32 {
	_ = b[3]
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
