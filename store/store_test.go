package store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/microlink/artifact"
	"github.com/pithecene-io/microlink/metrics"
	"github.com/pithecene-io/microlink/types"
)

// FailingStore is a lode.Store that returns configurable errors.
type FailingStore struct {
	PutErr    error
	GetErr    error
	ExistsErr error
	ListErr   error

	PutCalls int
}

func (s *FailingStore) Put(_ context.Context, _ string, _ io.Reader) error {
	s.PutCalls++
	return s.PutErr
}

func (s *FailingStore) Get(_ context.Context, _ string) (io.ReadCloser, error) {
	return nil, s.GetErr
}

func (s *FailingStore) Exists(_ context.Context, _ string) (bool, error) {
	return false, s.ExistsErr
}

func (s *FailingStore) List(_ context.Context, _ string) ([]string, error) {
	return nil, s.ListErr
}

func (s *FailingStore) Delete(_ context.Context, _ string) error {
	return nil
}

func (s *FailingStore) ReadRange(_ context.Context, _ string, _, _ int64) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (s *FailingStore) ReaderAt(_ context.Context, _ string) (io.ReaderAt, error) {
	return nil, errors.New("not implemented")
}

var _ lode.Store = (*FailingStore)(nil)

func sharedFactory(st lode.Store) lode.StoreFactory {
	return func() (lode.Store, error) { return st, nil }
}

// clock returns successive instants one second apart.
func clock() func() time.Time {
	t := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

// buildArchive archives a one-file micro library named name and returns the
// archive path.
func buildArchive(t *testing.T, name, content string, c artifact.Compression) string {
	t.Helper()
	base := filepath.Join(t.TempDir(), name)
	if err := os.MkdirAll(base, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(base, "libmodel.a"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	lib, err := artifact.NewMicroLibrary(base, []string{"libmodel.a"}, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewMicroLibrary: %v", err)
	}
	path, err := lib.Archive(filepath.Join(t.TempDir(), name+c.Extension()))
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	return path
}

func newStore(t *testing.T, m *metrics.Collector) *ArchiveStore {
	t.Helper()
	s, err := New(lode.NewMemoryFactory(), Options{Metrics: m, Now: clock()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestPushPull_RoundTrip(t *testing.T) {
	m := metrics.NewCollector("", "", BackendMemory)
	s := newStore(t, m)
	archive := buildArchive(t, "model", "v1", artifact.CompressionZstd)

	ref, err := s.Push(t.Context(), archive)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	digest, _ := artifact.Digest(archive)
	if ref.Name != "model" || ref.Digest != digest || ref.Ext != ".tar.zst" {
		t.Errorf("ref = %+v", ref)
	}
	if want := "archives/model/" + digest + ".tar.zst"; ref.Key() != want {
		t.Errorf("Key = %q, want %q", ref.Key(), want)
	}

	dest := t.TempDir()
	path, err := s.Pull(t.Context(), ref, dest)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if path != filepath.Join(dest, "model.tar.zst") {
		t.Errorf("Pull path = %q", path)
	}
	want, _ := os.ReadFile(archive)
	got, _ := os.ReadFile(path)
	if !bytes.Equal(got, want) {
		t.Error("pulled archive differs from pushed archive")
	}

	typed, err := artifact.Unarchive(path, filepath.Join(t.TempDir(), "out"))
	if err != nil {
		t.Fatalf("Unarchive pulled archive: %v", err)
	}
	if _, ok := typed.(*artifact.MicroLibrary); !ok {
		t.Errorf("Unarchive returned %T", typed)
	}

	snap := m.Snapshot()
	if snap.StorePushSuccess != 1 || snap.StorePullSuccess != 1 {
		t.Errorf("metrics = %+v", snap)
	}
}

func TestPush_DedupesIdenticalContent(t *testing.T) {
	mem := lode.NewMemory()
	s, err := New(sharedFactory(mem), Options{Now: clock()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	archive := buildArchive(t, "model", "v1", artifact.CompressionNone)

	first, err := s.Push(t.Context(), archive)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	second, err := s.Push(t.Context(), archive)
	if err != nil {
		t.Fatalf("second Push: %v", err)
	}
	if first != second {
		t.Errorf("refs differ: %v vs %v", first, second)
	}

	refs, err := s.List(t.Context(), "model")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(refs) != 1 {
		t.Errorf("List = %v, want one archive", refs)
	}
	history, err := s.History(t.Context(), "model")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("History has %d records, want 2", len(history))
	}
	if history[0].ToolVersion != types.Version {
		t.Errorf("ToolVersion = %q, want %q", history[0].ToolVersion, types.Version)
	}
	if history[0].Deduped || !history[1].Deduped {
		t.Errorf("Deduped = %v, %v; want false, true", history[0].Deduped, history[1].Deduped)
	}
}

func TestResolve(t *testing.T) {
	s := newStore(t, nil)
	v1, err := s.Push(t.Context(), buildArchive(t, "model", "v1", artifact.CompressionNone))
	if err != nil {
		t.Fatal(err)
	}
	v2, err := s.Push(t.Context(), buildArchive(t, "model", "v2", artifact.CompressionLZ4))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Push(t.Context(), buildArchive(t, "other", "x", artifact.CompressionNone)); err != nil {
		t.Fatal(err)
	}

	latest, err := s.Resolve(t.Context(), "model")
	if err != nil {
		t.Fatalf("Resolve(model): %v", err)
	}
	if latest != v2 {
		t.Errorf("Resolve(model) = %v, want latest push %v", latest, v2)
	}

	byPrefix, err := s.Resolve(t.Context(), "model@"+v1.Digest[:12])
	if err != nil {
		t.Fatalf("Resolve(prefix): %v", err)
	}
	if byPrefix != v1 {
		t.Errorf("Resolve(prefix) = %v, want %v", byPrefix, v1)
	}

	if _, err := s.Resolve(t.Context(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve(missing) = %v, want ErrNotFound", err)
	}
	if _, err := s.Resolve(t.Context(), "model@"+strings.Repeat("0", 16)); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve(unknown digest) = %v, want ErrNotFound", err)
	}

	all, err := s.List(t.Context(), "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 || all[0].Name != "model" || all[2].Name != "other" {
		t.Errorf("List(\"\") = %v", all)
	}
}

func TestPull_IncompleteRefResolves(t *testing.T) {
	s := newStore(t, nil)
	ref, err := s.Push(t.Context(), buildArchive(t, "model", "v1", artifact.CompressionNone))
	if err != nil {
		t.Fatal(err)
	}
	path, err := s.Pull(t.Context(), Ref{Name: "model"}, t.TempDir())
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if filepath.Base(path) != "model"+ref.Ext {
		t.Errorf("Pull path = %q", path)
	}
}

func TestPull_DigestMismatch(t *testing.T) {
	mem := lode.NewMemory()
	m := metrics.NewCollector("", "", BackendMemory)
	s, err := New(sharedFactory(mem), Options{Metrics: m, Now: clock()})
	if err != nil {
		t.Fatal(err)
	}
	ref := Ref{Name: "model", Digest: strings.Repeat("b", digestLen), Ext: ".tar"}
	if err := mem.Put(t.Context(), ref.Key(), strings.NewReader("tampered")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	dest := t.TempDir()
	_, err = s.Pull(t.Context(), ref, dest)
	if !errors.Is(err, ErrDigestMismatch) {
		t.Fatalf("Pull = %v, want ErrDigestMismatch", err)
	}
	entries, _ := os.ReadDir(dest)
	if len(entries) != 0 {
		t.Errorf("failed pull left %d files behind", len(entries))
	}
	if m.Snapshot().StorePullFailure != 1 {
		t.Errorf("metrics = %+v", m.Snapshot())
	}
}

func TestPull_NotFound(t *testing.T) {
	s := newStore(t, nil)
	ref := Ref{Name: "model", Digest: strings.Repeat("a", digestLen), Ext: ".tar"}
	if _, err := s.Pull(t.Context(), ref, t.TempDir()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Pull = %v, want ErrNotFound", err)
	}
}

func TestPush_ClassifiesStoreErrors(t *testing.T) {
	tests := []struct {
		name string
		fs   *FailingStore
		want error
	}{
		{"exists denied", &FailingStore{ExistsErr: errors.New("AccessDenied: 403 Forbidden")}, ErrAccessDenied},
		{"put disk full", &FailingStore{PutErr: errors.New("write /x: no space left on device")}, ErrDiskFull},
		{"put throttled", &FailingStore{PutErr: errors.New("SlowDown: please reduce your request rate")}, ErrThrottled},
		{"put network", &FailingStore{PutErr: errors.New("dial tcp 10.0.0.1:443: connection refused")}, ErrNetwork},
	}
	archive := buildArchive(t, "model", "v1", artifact.CompressionNone)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.NewCollector("", "", "failing")
			s, err := New(sharedFactory(tt.fs), Options{Metrics: m})
			if err != nil {
				t.Fatal(err)
			}
			_, err = s.Push(t.Context(), archive)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Push = %v, want %v", err, tt.want)
			}
			var se *StorageError
			if !errors.As(err, &se) || se.Op != "push" {
				t.Errorf("err = %#v, want push StorageError", err)
			}
			if m.Snapshot().StorePushFailure != 1 {
				t.Errorf("metrics = %+v", m.Snapshot())
			}
		})
	}
}

func TestNew_FactoryError(t *testing.T) {
	factory := func() (lode.Store, error) { return nil, errors.New("open /data: permission denied") }
	_, err := New(factory, Options{})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("New = %v, want ErrPermissionDenied", err)
	}
}

func TestPush_RejectsNonArchive(t *testing.T) {
	s := newStore(t, nil)
	path := filepath.Join(t.TempDir(), "junk.tar")
	if err := os.WriteFile(path, []byte("not a tar"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Push(t.Context(), path); !errors.Is(err, artifact.ErrBadArchive) {
		t.Errorf("Push = %v, want ErrBadArchive", err)
	}
}

func TestParseRef(t *testing.T) {
	tests := []struct {
		in      string
		want    Ref
		wantErr bool
	}{
		{in: "model", want: Ref{Name: "model"}},
		{in: "model@ABCDEF0123", want: Ref{Name: "model", Digest: "abcdef0123"}},
		{in: "", wantErr: true},
		{in: "a/b", wantErr: true},
		{in: "..", wantErr: true},
		{in: "model@abc", wantErr: true},
		{in: "model@zzzzzzzzzz", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRef(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidRef) {
					t.Errorf("ParseRef(%q) = %v, want ErrInvalidRef", tt.in, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("ParseRef(%q) = %+v, %v; want %+v", tt.in, got, err, tt.want)
			}
		})
	}
}

func TestRefFromKey(t *testing.T) {
	d := strings.Repeat("f", digestLen)
	tests := []struct {
		key string
		ok  bool
	}{
		{"archives/model/" + d + ".tar.zst", true},
		{"prefix/archives/model/" + d + ".tar", true},
		{"archives/model/" + d, false},
		{"archives/model/short.tar", false},
		{"datasets/microlink/manifest.json", false},
	}
	for _, tt := range tests {
		r, ok := refFromKey(tt.key)
		if ok != tt.ok {
			t.Errorf("refFromKey(%q) ok = %v, want %v", tt.key, ok, tt.ok)
		}
		if ok && (r.Name != "model" || r.Digest != d) {
			t.Errorf("refFromKey(%q) = %+v", tt.key, r)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		msg  string
		want error
	}{
		{"open /x: no such file or directory", ErrNotFound},
		{"NoSuchKey: The specified key does not exist", ErrNotFound},
		{"open /x: permission denied", ErrPermissionDenied},
		{"NoCredentialProviders: no valid providers in chain", ErrAuth},
		{"context deadline exceeded", ErrTimeout},
		{"something odd", errUnclassified},
	}
	for _, tt := range tests {
		if got := classify(errors.New(tt.msg)); got != tt.want {
			t.Errorf("classify(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}

func TestNewFactory(t *testing.T) {
	if _, err := NewFactory(context.Background(), Config{Backend: "fs"}); err == nil {
		t.Error("fs without path should fail")
	}
	if _, err := NewFactory(context.Background(), Config{Backend: "gcs"}); err == nil {
		t.Error("unknown backend should fail")
	}
	if _, err := NewFactory(context.Background(), Config{Backend: BackendS3}); err == nil {
		t.Error("s3 without bucket should fail")
	}

	factory, err := NewFactory(context.Background(), Config{Path: t.TempDir()})
	if err != nil {
		t.Fatalf("NewFactory(fs): %v", err)
	}
	s, err := New(factory, Options{Now: clock()})
	if err != nil {
		t.Fatalf("New(fs): %v", err)
	}
	if _, err := s.Push(t.Context(), buildArchive(t, "model", "v1", artifact.CompressionNone)); err != nil {
		t.Fatalf("Push(fs): %v", err)
	}
}

func TestParseS3Path(t *testing.T) {
	b, p := ParseS3Path("bucket/a/b")
	if b != "bucket" || p != "a/b" {
		t.Errorf("ParseS3Path = %q, %q", b, p)
	}
	b, p = ParseS3Path("bucket")
	if b != "bucket" || p != "" {
		t.Errorf("ParseS3Path = %q, %q", b, p)
	}
}
