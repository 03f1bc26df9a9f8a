// Package wire implements the fixed binary message format exchanged
// between master and worker ranks, framed for streaming transports the
// way internal/firecracker/vsock.go frames its JSON payloads in the
// teacher repository: a 4-byte big-endian length prefix followed by the
// encoded body.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// HeaderFields is the fixed arity of the message header, per spec.md §4.10.
const HeaderFields = 7

// MaxBodyBytes guards against a corrupt or hostile length prefix causing an
// unbounded allocation.
const MaxBodyBytes = 256 << 20

// Header is the fixed 7-int32 control block that precedes every message
// body. Field order is part of the wire format and must not change.
type Header struct {
	Tag    int32 // message tag: TAG_DATA, TAG_TERMINATE, TAG_ABORT, ...
	TaskID int32 // tid, row-major task index
	Status int32 // board cell status the message carries or requests
	LocX   int32
	LocY   int32
	LocZ   int32
	Cid    int32 // checkpoint id the task belongs to
}

// Message-tag constants, per spec.md §4.10.
const (
	TagData      = iota // seeds a worker with a task to run
	TagTerminate        // worker exits 0 on receipt; body is empty
	TagAbort
	TagRestart
	TagResult     // returns a finished cell; board slot 0 -> FINISHED
	TagStandby    // carries config options during bootstrap
	TagCheckpoint // returns an in-progress snapshot; board slot 0 untouched
)

// Message is a header plus the concatenated bytes of every synced
// per-task buffer declared Sync=true in the schema, in schema declaration
// order.
type Message struct {
	Header Header
	Body   []byte
}

// array returned by Header for binary.Write/Read, keeping field order
// explicit rather than relying on struct layout/padding guarantees.
func (h Header) array() [HeaderFields]int32 {
	return [HeaderFields]int32{h.Tag, h.TaskID, h.Status, h.LocX, h.LocY, h.LocZ, h.Cid}
}

func headerFromArray(a [HeaderFields]int32) Header {
	return Header{Tag: a[0], TaskID: a[1], Status: a[2], LocX: a[3], LocY: a[4], LocZ: a[5], Cid: a[6]}
}

// Encode packs a Message into its wire representation: header fields as
// big-endian int32s immediately followed by Body, with no padding.
func Encode(m Message) []byte {
	buf := make([]byte, HeaderFields*4+len(m.Body))
	arr := m.Header.array()
	for i, v := range arr {
		binary.BigEndian.PutUint32(buf[i*4:], uint32(v))
	}
	copy(buf[HeaderFields*4:], m.Body)
	return buf
}

// Decode unpacks a Message from its wire representation produced by Encode.
func Decode(b []byte) (Message, error) {
	if len(b) < HeaderFields*4 {
		return Message{}, fmt.Errorf("wire: short buffer: need %d header bytes, got %d", HeaderFields*4, len(b))
	}
	var arr [HeaderFields]int32
	for i := range arr {
		arr[i] = int32(binary.BigEndian.Uint32(b[i*4:]))
	}
	body := make([]byte, len(b)-HeaderFields*4)
	copy(body, b[HeaderFields*4:])
	return Message{Header: headerFromArray(arr), Body: body}, nil
}

// FrameWriter writes length-prefixed frames onto an underlying stream,
// grounded on the 4-byte BigEndian length-prefix framing of
// internal/pkg/vsockpb.Codec.Send in the teacher repository.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter wraps w for framed writes.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteMessage frames and writes m in full, or returns the first error.
func (f *FrameWriter) WriteMessage(m Message) error {
	body := Encode(m)
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(body)))
	if _, err := f.w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	if _, err := f.w.Write(body); err != nil {
		return fmt.Errorf("wire: write body: %w", err)
	}
	return nil
}

// FrameReader reads length-prefixed frames from an underlying stream.
type FrameReader struct {
	r *bufio.Reader
}

// NewFrameReader wraps r for framed reads, buffering as vsockpb.Codec does.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

// ReadMessage blocks until one full frame is available and decodes it.
func (f *FrameReader) ReadMessage() (Message, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(f.r, lenPrefix[:]); err != nil {
		return Message{}, fmt.Errorf("wire: read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > MaxBodyBytes {
		return Message{}, fmt.Errorf("wire: frame of %d bytes exceeds max %d", n, MaxBodyBytes)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(f.r, body); err != nil {
		return Message{}, fmt.Errorf("wire: read body: %w", err)
	}
	return Decode(body)
}
