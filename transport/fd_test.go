package transport

import (
	"bytes"
	"errors"
	"os"
	"testing"
	"time"
)

var testTimeouts = Timeouts{
	SessionStartRetry:  20 * time.Millisecond,
	SessionStart:       time.Second,
	SessionEstablished: time.Second,
}

// pipePair returns an open FdTransport and the peer's ends: peerW feeds the
// transport's reads, peerR receives its writes.
func pipePair(t *testing.T) (tr *FdTransport, peerR, peerW *os.File) {
	t.Helper()
	inR, inW, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	tr, err = NewFileTransport(inR, outW, testTimeouts)
	if err != nil {
		t.Fatalf("NewFileTransport: %v", err)
	}
	_ = inR.Close()
	_ = outW.Close()
	if err := tr.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		_ = tr.Close()
		_ = inW.Close()
		_ = outR.Close()
	})
	return tr, outR, inW
}

func TestFdTransport_RoundTrip(t *testing.T) {
	tr, peerR, peerW := pipePair(t)

	if _, err := peerW.Write([]byte("hello")); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	got, err := tr.Read(16, time.Second)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("Read = %q, want hello", got)
	}

	n, err := tr.Write([]byte("world"), time.Second)
	if err != nil || n != 5 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	buf := make([]byte, 5)
	_ = peerR.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := peerR.Read(buf); err != nil {
		t.Fatalf("peer read: %v", err)
	}
	if string(buf) != "world" {
		t.Errorf("peer got %q", buf)
	}
}

func TestFdTransport_ReadRespectsMax(t *testing.T) {
	tr, _, peerW := pipePair(t)
	_, _ = peerW.Write([]byte("abcdef"))

	got, err := tr.Read(4, time.Second)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "abcd" {
		t.Errorf("first read = %q", got)
	}
	got, err = tr.Read(4, time.Second)
	if err != nil || string(got) != "ef" {
		t.Errorf("second read = %q, %v", got, err)
	}
}

func TestFdTransport_ReadTimeout(t *testing.T) {
	tr, _, _ := pipePair(t)

	start := time.Now()
	_, err := tr.Read(1, 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Read error = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("Read returned after %v, before the timeout", elapsed)
	}
}

func TestFdTransport_EOFCloses(t *testing.T) {
	tr, _, peerW := pipePair(t)
	_ = peerW.Close()

	if _, err := tr.Read(1, time.Second); !errors.Is(err, ErrClosed) {
		t.Fatalf("Read after hangup = %v, want ErrClosed", err)
	}
	if _, err := tr.Write([]byte("x"), time.Second); !errors.Is(err, ErrClosed) {
		t.Errorf("Write after EOF close = %v, want ErrClosed", err)
	}
}

func TestFdTransport_ShortWriteThenTimeout(t *testing.T) {
	tr, _, _ := pipePair(t)

	big := bytes.Repeat([]byte{0xaa}, 4<<20)
	n, err := tr.Write(big, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n == 0 || n >= len(big) {
		t.Fatalf("Write = %d, want a short count", n)
	}
	if _, err := tr.Write(big[n:], 20*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Errorf("Write on full pipe = %v, want ErrTimeout", err)
	}
}

func TestFdTransport_NotOpen(t *testing.T) {
	tr := NewFdTransport(-1, -1, testTimeouts)
	if _, err := tr.Read(1, time.Millisecond); !errors.Is(err, ErrClosed) {
		t.Errorf("Read before Open = %v, want ErrClosed", err)
	}
	if _, err := tr.Write([]byte("x"), time.Millisecond); !errors.Is(err, ErrClosed) {
		t.Errorf("Write before Open = %v, want ErrClosed", err)
	}
}

func TestFdTransport_CloseTwice(t *testing.T) {
	tr, _, _ := pipePair(t)
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := tr.Open(); !errors.Is(err, ErrClosed) {
		t.Errorf("Open after Close = %v, want ErrClosed", err)
	}
}

func TestTimeouts_Validate(t *testing.T) {
	tests := []struct {
		name    string
		in      Timeouts
		wantErr bool
	}{
		{"valid", testTimeouts, false},
		{"zero retry", Timeouts{SessionStart: time.Second, SessionEstablished: time.Second}, false},
		{"zero start", Timeouts{SessionEstablished: time.Second}, true},
		{"zero established", Timeouts{SessionStart: time.Second}, true},
		{"negative retry", Timeouts{SessionStartRetry: -1, SessionStart: time.Second, SessionEstablished: time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.in.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTimeouts_RetryInterval(t *testing.T) {
	if got := testTimeouts.RetryInterval(); got != 20*time.Millisecond {
		t.Errorf("RetryInterval = %v", got)
	}
	noRetry := Timeouts{SessionStart: time.Second, SessionEstablished: time.Second}
	if got := noRetry.RetryInterval(); got != time.Second {
		t.Errorf("RetryInterval without retry = %v, want SessionStart", got)
	}
}
