// Package trace captures transport traffic and reads captures back.
//
// A capture is a sequence of frames. Each frame is a 4-byte big-endian
// length followed by that many bytes of msgpack-encoded Record.
package trace

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxRecordSize bounds the encoded size of one Record.
const MaxRecordSize = 16 << 20

const prefixLen = 4

// Framing errors. Both leave the reader unable to find the next frame.
var (
	ErrTruncated      = errors.New("trace: truncated frame")
	ErrRecordTooLarge = errors.New("trace: record exceeds maximum size")
)

// DecodeError is a well-framed record whose payload does not decode. The
// reader can continue past it.
type DecodeError struct {
	// Offset is the position of the frame in the capture.
	Offset int64
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("trace: bad record at offset %d: %v", e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// AppendFrame appends the frame for rec to dst.
func AppendFrame(dst []byte, rec *Record) ([]byte, error) {
	payload, err := msgpack.Marshal(rec)
	if err != nil {
		return dst, fmt.Errorf("encode trace record: %w", err)
	}
	if len(payload) > MaxRecordSize {
		return dst, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(payload))
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...), nil
}

// Reader decodes records from a capture.
type Reader struct {
	r      io.Reader
	offset int64
	buf    []byte
}

// NewReader reads frames from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Next returns the next record. It returns io.EOF at a frame boundary,
// ErrTruncated or ErrRecordTooLarge when framing is lost, and a
// *DecodeError for a payload that is not a Record.
func (d *Reader) Next() (*Record, error) {
	var prefix [prefixLen]byte
	switch _, err := io.ReadFull(d.r, prefix[:]); {
	case err == io.EOF:
		return nil, io.EOF
	case err != nil:
		return nil, fmt.Errorf("%w: length at offset %d: %v", ErrTruncated, d.offset, err)
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if size > MaxRecordSize {
		return nil, fmt.Errorf("%w: %d bytes at offset %d", ErrRecordTooLarge, size, d.offset)
	}
	if cap(d.buf) < int(size) {
		d.buf = make([]byte, size)
	}
	payload := d.buf[:size]
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return nil, fmt.Errorf("%w: payload at offset %d: %v", ErrTruncated, d.offset, err)
	}

	at := d.offset
	d.offset += prefixLen + int64(size)
	var rec Record
	if err := msgpack.Unmarshal(payload, &rec); err != nil {
		return nil, &DecodeError{Offset: at, Err: err}
	}
	return &rec, nil
}

// ReadAll decodes every record in r. Undecodable records are skipped and
// counted. A framing error ends the read and is returned together with
// the records decoded before it.
func ReadAll(r io.Reader) (records []*Record, skipped int, err error) {
	d := NewReader(r)
	for {
		rec, err := d.Next()
		var decErr *DecodeError
		switch {
		case err == nil:
			records = append(records, rec)
		case err == io.EOF:
			return records, skipped, nil
		case errors.As(err, &decErr):
			skipped++
		default:
			return records, skipped, err
		}
	}
}
