// Package protocol implements the wire framing shared by every control
// and data stream in the tunnel: length-prefixed blobs, bare big-endian
// integers, and the session handshake built on top of them.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tlstunnel/tlstunnel/internal/tunnelerr"
)

// Size caps enforced on every framed read. A read that would exceed its
// cap fails the session with a protocol error rather than allocating.
const (
	MaxU16BlobLen  = 4096             // short error strings, proxy names
	MaxConfigLen   = 10 << 20         // JSON config blob
	MaxAuthKeyLen  = 1024             // auth key bytes
	ProtocolVer    = uint8(1)
)

// WriteU16Blob writes a 2-byte big-endian length prefix followed by b.
// It flushes the writer if it implements an interface{ Flush() error }.
func WriteU16Blob(w io.Writer, b []byte) error {
	if len(b) > MaxU16BlobLen {
		return fmt.Errorf("protocol: blob of %d bytes exceeds u16 cap %d", len(b), MaxU16BlobLen)
	}
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(b)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(b) > 0 {
		if _, err := w.Write(b); err != nil {
			return err
		}
	}
	return Flush(w)
}

// ReadU16Blob reads a 2-byte big-endian length prefix and then that many
// bytes. A length exceeding MaxU16BlobLen is a protocol error.
func ReadU16Blob(r io.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(hdr[:])
	if int(n) > MaxU16BlobLen {
		return nil, tunnelerr.Wrap(tunnelerr.KindProtocol, tunnelerr.ErrFrameTooLarge, fmt.Sprintf("u16 blob length %d", n))
	}
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// WriteU32Blob writes a 4-byte big-endian length prefix followed by b.
func WriteU32Blob(w io.Writer, b []byte) error {
	if len(b) > MaxConfigLen {
		return fmt.Errorf("protocol: blob of %d bytes exceeds u32 cap %d", len(b), MaxConfigLen)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(b) > 0 {
		if _, err := w.Write(b); err != nil {
			return err
		}
	}
	return Flush(w)
}

// ReadU32Blob reads a 4-byte big-endian length prefix and then that many
// bytes. A length exceeding capLen is a protocol error; capLen lets
// callers use a tighter cap than MaxConfigLen (e.g. the auth key field,
// which is nominally u32-length-prefixed but capped far lower).
func ReadU32Blob(r io.Reader, capLen int) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if int64(n) > int64(capLen) {
		return nil, tunnelerr.Wrap(tunnelerr.KindProtocol, tunnelerr.ErrFrameTooLarge, fmt.Sprintf("u32 blob length %d exceeds cap %d", n, capLen))
	}
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// WritePort writes a u16 big-endian port number.
func WritePort(w io.Writer, port uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], port)
	if _, err := w.Write(b[:]); err != nil {
		return err
	}
	return Flush(w)
}

// ReadPort reads a u16 big-endian port number.
func ReadPort(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

// WriteAck writes a u8 ack: 1 for success, or 0 followed by a u16-len
// error message.
func WriteAck(w io.Writer, ok bool, errMsg string) error {
	var b [1]byte
	if ok {
		b[0] = 1
		if _, err := w.Write(b[:]); err != nil {
			return err
		}
		return Flush(w)
	}
	b[0] = 0
	if _, err := w.Write(b[:]); err != nil {
		return err
	}
	return WriteU16Blob(w, []byte(errMsg))
}

// ReadAck reads a u8 ack and, on failure, the trailing error message.
func ReadAck(r io.Reader) (ok bool, errMsg string, err error) {
	var b [1]byte
	if _, err = io.ReadFull(r, b[:]); err != nil {
		return false, "", err
	}
	if b[0] == 1 {
		return true, "", nil
	}
	msg, err := ReadU16Blob(r)
	if err != nil {
		return false, "", err
	}
	return false, string(msg), nil
}

// flusher is implemented by buffered writers; Flush is a no-op for plain
// io.Writer implementations (e.g. net.Conn) that write synchronously.
type flusher interface {
	Flush() error
}

// Flush flushes w if it is a buffered writer, per spec: "Writers always
// flush after each logical message."
func Flush(w io.Writer) error {
	if f, ok := w.(flusher); ok {
		return f.Flush()
	}
	return nil
}
