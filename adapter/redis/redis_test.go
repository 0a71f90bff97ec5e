package redis

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/pithecene-io/microlink/adapter"
)

const testDigest = "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"

func pushed(name, digest string) *adapter.ArchivePushedEvent {
	return &adapter.ArchivePushedEvent{
		EventType:    adapter.EventArchivePushed,
		ToolVersion:  "0.1.0",
		Name:         name,
		Digest:       digest,
		Key:          "archives/" + name + "/" + digest + ".tar.zst",
		Ref:          name + "@" + digest,
		Backend:      "s3",
		ArtifactType: "micro_binary",
		SizeBytes:    20480,
		Timestamp:    "2026-10-19T12:00:00Z",
	}
}

func newAdapter(t *testing.T, mr *miniredis.Miniredis, cfg Config) *Adapter {
	t.Helper()
	cfg.URL = "redis://" + mr.Addr()
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

// receiveOne reads one message in the background. Call it before Publish:
// miniredis delivers synchronously and would block otherwise.
func receiveOne(sub *miniredis.Subscriber) <-chan miniredis.PubsubMessage {
	ch := make(chan miniredis.PubsubMessage, 1)
	go func() {
		ch <- <-sub.Messages()
	}()
	return ch
}

func waitMessage(t *testing.T, ch <-chan miniredis.PubsubMessage) miniredis.PubsubMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for pub/sub message")
		return miniredis.PubsubMessage{}
	}
}

func TestPublish_Channel(t *testing.T) {
	tests := []struct {
		name    string
		channel string
		want    string
	}{
		{"default", "", DefaultChannel},
		{"custom", "builds:firmware", "builds:firmware"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mr := miniredis.RunT(t)
			a := newAdapter(t, mr, Config{Channel: tt.channel})

			sub := mr.NewSubscriber()
			sub.Subscribe(tt.want)
			ch := receiveOne(sub)

			event := pushed("model", testDigest)
			if err := a.Publish(t.Context(), event); err != nil {
				t.Fatalf("publish: %v", err)
			}

			msg := waitMessage(t, ch)
			if msg.Channel != tt.want {
				t.Errorf("channel = %q, want %q", msg.Channel, tt.want)
			}
			var received adapter.ArchivePushedEvent
			if err := json.Unmarshal([]byte(msg.Message), &received); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if received != *event {
				t.Errorf("received %+v, want %+v", received, *event)
			}
		})
	}
}

func TestPublish_UpdatesLatest(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newAdapter(t, mr, Config{})

	older := pushed("model", strings.Repeat("0", 64))
	newer := pushed("model", testDigest)
	for _, ev := range []*adapter.ArchivePushedEvent{older, newer} {
		if err := a.Publish(t.Context(), ev); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	got, err := mr.Get(DefaultLatestPrefix + "model")
	if err != nil {
		t.Fatalf("latest key: %v", err)
	}
	if got != newer.Ref {
		t.Errorf("latest = %q, want %q", got, newer.Ref)
	}

	ref, err := a.Latest(t.Context(), "model")
	if err != nil || ref != newer.Ref {
		t.Errorf("Latest = %q, %v; want %q", ref, err, newer.Ref)
	}
	ref, err = a.Latest(t.Context(), "unknown")
	if err != nil || ref != "" {
		t.Errorf("Latest(unknown) = %q, %v; want empty", ref, err)
	}
}

func TestPublish_NoLatest(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newAdapter(t, mr, Config{NoLatest: true, LatestPrefix: "fw:"})

	if err := a.Publish(t.Context(), pushed("model", testDigest)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if mr.Exists("fw:model") {
		t.Error("latest key written with NoLatest set")
	}
}

func TestPublish_Unreachable(t *testing.T) {
	tests := []struct {
		name    string
		retries int
		timeout time.Duration
		ctxWait time.Duration
		want    string
	}{
		{"exhausts retries", 2, 100 * time.Millisecond, 0, "failed after 3 attempts"},
		{"context canceled", 5, 10 * time.Second, 100 * time.Millisecond, "context canceled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := New(Config{URL: "redis://127.0.0.1:1", Retries: tt.retries, Timeout: tt.timeout})
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			defer func() { _ = a.Close() }()

			ctx := t.Context()
			if tt.ctxWait > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, tt.ctxWait)
				defer cancel()
			}
			err = a.Publish(ctx, pushed("model", testDigest))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"missing URL", Config{}, true},
		{"invalid URL", Config{URL: "not-a-redis-url"}, true},
		{"negative retries", Config{URL: "redis://localhost:6379", Retries: -1}, true},
		{"defaults", Config{URL: "redis://localhost:6379"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			defer func() { _ = a.Close() }()
			if a.config.Channel != DefaultChannel || a.config.Timeout != DefaultTimeout {
				t.Errorf("defaults not applied: %+v", a.config)
			}
			if got := a.LatestKey("fw"); got != DefaultLatestPrefix+"fw" {
				t.Errorf("LatestKey = %q", got)
			}
		})
	}
}

func TestClose_StopsRetrying(t *testing.T) {
	mr := miniredis.RunT(t)
	a, err := New(Config{URL: "redis://" + mr.Addr(), Retries: 3})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	err = a.Publish(t.Context(), pushed("model", testDigest))
	if err == nil || !strings.Contains(err.Error(), "non-retriable") {
		t.Fatalf("err = %v, want a non-retriable failure", err)
	}
}
