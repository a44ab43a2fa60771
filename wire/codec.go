/*
Package wire implements the primitive encoding shared by the brokered message
path and the direct channel path.

All integers and floats are big-endian. Strings come in two forms: length
prefixed (int32 length followed by the bytes) and ASCIIZ (bytes followed by a
single NUL). Both forms appear on the bus and both must be supported.
*/
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// MaxStringLen bounds any single string read off the wire.
const MaxStringLen = 1 << 20

var (
	// ErrTooLong is returned when a length prefix or ASCIIZ scan exceeds the limit
	ErrTooLong = errors.New("wire: string too long")
	// ErrNegativeLength is returned for a negative length prefix
	ErrNegativeLength = errors.New("wire: negative length")
)

// Writer encodes primitives onto an underlying stream.
type Writer struct {
	w   io.Writer
	buf [8]byte
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) WriteUint8(v uint8) error {
	w.buf[0] = v
	_, err := w.w.Write(w.buf[:1])
	return err
}

func (w *Writer) WriteInt32(v int32) error {
	binary.BigEndian.PutUint32(w.buf[:4], uint32(v))
	_, err := w.w.Write(w.buf[:4])
	return err
}

func (w *Writer) WriteUint32(v uint32) error {
	binary.BigEndian.PutUint32(w.buf[:4], v)
	_, err := w.w.Write(w.buf[:4])
	return err
}

func (w *Writer) WriteFloat32(v float32) error {
	return w.WriteUint32(math.Float32bits(v))
}

func (w *Writer) WriteFloat64(v float64) error {
	binary.BigEndian.PutUint64(w.buf[:8], math.Float64bits(v))
	_, err := w.w.Write(w.buf[:8])
	return err
}

// WriteBytes writes b verbatim, with no length prefix.
func (w *Writer) WriteBytes(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	_, err := w.w.Write(b)
	return err
}

// WriteString writes s as an int32 length followed by its bytes.
func (w *Writer) WriteString(s string) error {
	if len(s) > MaxStringLen {
		return ErrTooLong
	}
	if err := w.WriteInt32(int32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w.w, s)
	return err
}

// WriteASCIIZ writes s followed by a NUL terminator.
// s must not itself contain a NUL.
func (w *Writer) WriteASCIIZ(s string) error {
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			return fmt.Errorf("wire: embedded NUL at offset %d", i)
		}
	}
	if _, err := io.WriteString(w.w, s); err != nil {
		return err
	}
	return w.WriteUint8(0)
}

// Reader decodes primitives from an underlying stream.
type Reader struct {
	r   io.Reader
	buf [8]byte
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (r *Reader) ReadUint8() (uint8, error) {
	if _, err := io.ReadFull(r.r, r.buf[:1]); err != nil {
		return 0, err
	}
	return r.buf[0], nil
}

func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

func (r *Reader) ReadUint32() (uint32, error) {
	if _, err := io.ReadFull(r.r, r.buf[:4]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(r.buf[:4]), nil
}

func (r *Reader) ReadFloat32() (float32, error) {
	v, err := r.ReadUint32()
	return math.Float32frombits(v), err
}

func (r *Reader) ReadFloat64() (float64, error) {
	if _, err := io.ReadFull(r.r, r.buf[:8]); err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(r.buf[:8])), nil
}

// ReadBytes reads exactly n bytes.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, ErrNegativeLength
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// ReadString reads an int32 length prefixed string.
func (r *Reader) ReadString() (string, error) {
	n, err := r.ReadInt32()
	if err != nil {
		return "", err
	}
	if n < 0 {
		return "", ErrNegativeLength
	}
	if n > MaxStringLen {
		return "", ErrTooLong
	}
	b, err := r.ReadBytes(int(n))
	if err != nil {
		return "", unexpected(err)
	}
	return string(b), nil
}

// ReadASCIIZ reads bytes up to and excluding a NUL terminator.
func (r *Reader) ReadASCIIZ() (string, error) {
	var out []byte
	for {
		c, err := r.ReadUint8()
		if err != nil {
			if len(out) > 0 {
				return "", unexpected(err)
			}
			return "", err
		}
		if c == 0 {
			return string(out), nil
		}
		if len(out) >= MaxStringLen {
			return "", ErrTooLong
		}
		out = append(out, c)
	}
}

// Read passes through to the underlying stream, so a Reader can be handed to
// io.Copy once the structured part of a stream is done.
func (r *Reader) Read(p []byte) (int, error) {
	return r.r.Read(p)
}

// Write passes through to the underlying stream.
func (w *Writer) Write(p []byte) (int, error) {
	return w.w.Write(p)
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
