package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Packet is a value object with a flat field-by-field binary encoding.
// Fields are written and read in the same fixed order.
type Packet interface {
	MarshalTo(w *Writer)
	UnmarshalFrom(r *Reader)
}

// Pack serializes a packet into its wire form.
func Pack(p Packet) []byte {
	w := NewWriter()
	p.MarshalTo(w)
	return w.Bytes()
}

// Unpack deserializes wire bytes into a packet.
func Unpack(data []byte, p Packet) error {
	r := NewReader(data)
	p.UnmarshalFrom(r)
	return r.Err()
}

// Writer accumulates the flat binary encoding. All integers are big-endian,
// strings and maps are length-prefixed.
type Writer struct {
	buf bytes.Buffer
}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) Bytes() []byte {
	return w.buf.Bytes()
}

func (w *Writer) WriteUint16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf.Write(b[:])
}

func (w *Writer) WriteInt32(v int32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	w.buf.Write(b[:])
}

func (w *Writer) WriteInt64(v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	w.buf.Write(b[:])
}

func (w *Writer) WriteBool(v bool) {
	if v {
		w.buf.WriteByte(1)
	} else {
		w.buf.WriteByte(0)
	}
}

func (w *Writer) WriteUint8(v byte) {
	w.buf.WriteByte(v)
}

func (w *Writer) WriteFloat32(v float32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], math.Float32bits(v))
	w.buf.Write(b[:])
}

func (w *Writer) WriteString(s string) {
	w.WriteInt32(int32(len(s)))
	w.buf.WriteString(s)
}

func (w *Writer) WriteBytes(b []byte) {
	w.WriteInt32(int32(len(b)))
	w.buf.Write(b)
}

// WriteDict writes a string map as a count followed by key/value pairs.
// Iteration order is not part of the contract; readers rebuild the map.
func (w *Writer) WriteDict(m map[string]string) {
	w.WriteInt32(int32(len(m)))
	for k, v := range m {
		w.WriteString(k)
		w.WriteString(v)
	}
}

// Reader decodes the flat binary encoding produced by Writer. The first
// failure is sticky: every later read returns a zero value and Err()
// reports the original problem.
type Reader struct {
	data []byte
	off  int
	err  error
}

func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

func (r *Reader) Err() error {
	return r.err
}

func (r *Reader) fail(want int) {
	if r.err == nil {
		r.err = fmt.Errorf("packet truncated: need %d bytes at offset %d, have %d", want, r.off, len(r.data)-r.off)
	}
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.data) {
		r.fail(n)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) ReadUint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *Reader) ReadInt32() int32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(b))
}

func (r *Reader) ReadInt64() int64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func (r *Reader) ReadBool() bool {
	b := r.take(1)
	if b == nil {
		return false
	}
	return b[0] != 0
}

func (r *Reader) ReadUint8() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) ReadFloat32() float32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return math.Float32frombits(binary.BigEndian.Uint32(b))
}

func (r *Reader) ReadString() string {
	n := r.ReadInt32()
	if r.err != nil || n < 0 {
		if n < 0 {
			r.fail(int(n))
		}
		return ""
	}
	b := r.take(int(n))
	if b == nil {
		return ""
	}
	return string(b)
}

func (r *Reader) ReadBytes() []byte {
	n := r.ReadInt32()
	if r.err != nil || n < 0 {
		if n < 0 {
			r.fail(int(n))
		}
		return nil
	}
	b := r.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (r *Reader) ReadDict() map[string]string {
	n := r.ReadInt32()
	if r.err != nil || n < 0 {
		return nil
	}
	m := make(map[string]string, n)
	for i := int32(0); i < n; i++ {
		k := r.ReadString()
		v := r.ReadString()
		if r.err != nil {
			return nil
		}
		m[k] = v
	}
	return m
}
