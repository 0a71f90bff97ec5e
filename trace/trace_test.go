package trace

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/pithecene-io/microlink/transport"
)

var stubTimeouts = transport.Timeouts{
	SessionStart:       time.Second,
	SessionEstablished: time.Second,
}

func TestRecorder_CapturesCalls(t *testing.T) {
	stub := transport.NewStubTransport(stubTimeouts)
	stub.MaxWrite = 3
	var buf bytes.Buffer
	rec := NewRecorder(stub, &buf)

	if err := rec.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if n, err := rec.Write([]byte("hello"), time.Second); err != nil || n != 3 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	stub.Feed([]byte{0xde, 0xad})
	if _, err := rec.Read(8, time.Second); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if _, err := rec.Read(8, 5*time.Millisecond); !errors.Is(err, transport.ErrTimeout) {
		t.Fatalf("Read = %v, want timeout", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	records, skipped, err := ReadAll(&buf)
	if err != nil || skipped != 0 {
		t.Fatalf("ReadAll: %v (skipped %d)", err, skipped)
	}
	if len(records) != 5 || rec.Records() != 5 {
		t.Fatalf("got %d records, want 5", len(records))
	}

	wantOps := []Op{OpOpen, OpWrite, OpRead, OpRead, OpClose}
	for i, r := range records {
		if r.Op != wantOps[i] {
			t.Errorf("record %d op = %s, want %s", i, r.Op, wantOps[i])
		}
		if r.Seq != int64(i+1) {
			t.Errorf("record %d seq = %d", i, r.Seq)
		}
	}
	if w := records[1]; string(w.Data) != "hello" || w.N != 3 || w.Timeout != int64(time.Second) {
		t.Errorf("write record = %+v", w)
	}
	if r := records[2]; !bytes.Equal(r.Data, []byte{0xde, 0xad}) {
		t.Errorf("read record data = %x", r.Data)
	}
	if r := records[3]; !r.Timedout || r.Err == "" {
		t.Errorf("timeout record = %+v", r)
	}
	if s := records[1].String(); !strings.Contains(s, "write 3/5 bytes") {
		t.Errorf("String() = %q", s)
	}
}

func TestRecorder_WriterFailureDoesNotFailCall(t *testing.T) {
	stub := transport.NewStubTransport(stubTimeouts)
	rec := NewRecorder(stub, failingWriter{})

	if err := rec.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if rec.Err() == nil {
		t.Error("expected recorded writer error")
	}
	if rec.Timeouts() != stubTimeouts {
		t.Errorf("Timeouts = %+v", rec.Timeouts())
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func frame(t *testing.T, rec *Record) []byte {
	t.Helper()
	b, err := AppendFrame(nil, rec)
	if err != nil {
		t.Fatalf("AppendFrame: %v", err)
	}
	return b
}

func TestReader_Next(t *testing.T) {
	read := frame(t, &Record{Op: OpRead, Data: []byte("abc")})
	oversized := binary.BigEndian.AppendUint32(nil, MaxRecordSize+1)

	tests := []struct {
		name  string
		input []byte
		want  error
	}{
		{"clean EOF", nil, io.EOF},
		{"partial length", []byte{0, 0}, ErrTruncated},
		{"too large", oversized, ErrRecordTooLarge},
		{"partial payload", read[:len(read)-1], ErrTruncated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewReader(bytes.NewReader(tt.input)).Next()
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestReader_ReusesBufferSafely(t *testing.T) {
	var capture []byte
	capture = append(capture, frame(t, &Record{Seq: 1, Op: OpRead, Data: []byte("first")})...)
	capture = append(capture, frame(t, &Record{Seq: 2, Op: OpRead, Data: []byte("xx")})...)

	d := NewReader(bytes.NewReader(capture))
	first, err := d.Next()
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := d.Next(); err != nil {
		t.Fatalf("second: %v", err)
	}
	if string(first.Data) != "first" {
		t.Errorf("first record data = %q after reading the second", first.Data)
	}
}

func TestReadAll_SkipsUndecodableRecord(t *testing.T) {
	var capture []byte
	capture = append(capture, frame(t, &Record{Seq: 1, Op: OpOpen})...)
	junkAt := len(capture)
	// Correctly framed, but 0xc1 is never valid msgpack.
	capture = binary.BigEndian.AppendUint32(capture, 1)
	capture = append(capture, 0xc1)
	capture = append(capture, frame(t, &Record{Seq: 2, Op: OpClose})...)

	records, skipped, err := ReadAll(bytes.NewReader(capture))
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(records) != 2 || skipped != 1 {
		t.Fatalf("records = %d, skipped = %d", len(records), skipped)
	}
	if records[1].Seq != 2 {
		t.Errorf("second record seq = %d", records[1].Seq)
	}

	_, err = NewReader(bytes.NewReader(capture[junkAt:])).Next()
	var decErr *DecodeError
	if !errors.As(err, &decErr) || decErr.Offset != 0 {
		t.Errorf("err = %v, want *DecodeError at 0", err)
	}
}

func TestReadAll_StopsAtTruncation(t *testing.T) {
	capture := frame(t, &Record{Seq: 1, Op: OpOpen})
	capture = append(capture, 0, 0, 0)

	records, _, err := ReadAll(bytes.NewReader(capture))
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("err = %v, want ErrTruncated", err)
	}
	if len(records) != 1 {
		t.Errorf("records = %d, want 1", len(records))
	}
}
