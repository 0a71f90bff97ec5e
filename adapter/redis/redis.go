// Package redis announces pushed archives on Redis: the event is PUBLISHed
// as JSON on a channel, and a per-name key is pointed at the newest ref so
// consumers that missed the message can still find it.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pithecene-io/microlink/adapter"
)

// DefaultChannel is the default pub/sub channel name.
const DefaultChannel = "microlink:archive_pushed"

// DefaultLatestPrefix prefixes the per-name latest-ref keys.
const DefaultLatestPrefix = "microlink:latest:"

// DefaultTimeout is the default per-publish timeout.
const DefaultTimeout = 5 * time.Second

// Config configures the Redis adapter.
type Config struct {
	// URL is the Redis connection URL: redis://[:password@]host:port[/db].
	URL     string
	Channel string
	// LatestPrefix prefixes the key holding each name's newest ref.
	LatestPrefix string
	// NoLatest disables the latest-ref keys.
	NoLatest bool
	Timeout  time.Duration
	Retries  int
}

// Adapter announces pushes on a channel and in latest-ref keys.
type Adapter struct {
	config Config
	client *goredis.Client
}

// New validates cfg, applies defaults and creates the client. No
// connection is made until the first publish.
func New(cfg Config) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis adapter requires a URL")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis adapter: invalid URL: %w", err)
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.LatestPrefix == "" {
		cfg.LatestPrefix = DefaultLatestPrefix
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Adapter{config: cfg, client: goredis.NewClient(opts)}, nil
}

// LatestKey returns the key holding the newest ref pushed under name.
func (a *Adapter) LatestKey(name string) string {
	return a.config.LatestPrefix + name
}

// Publish updates the latest-ref key and publishes event in one MULTI/EXEC
// transaction, retrying failures.
func (a *Adapter) Publish(ctx context.Context, event *adapter.ArchivePushedEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redis: marshal event: %w", err)
	}
	return adapter.Retry(ctx, "redis", a.config.Retries, isClosed, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
		defer cancel()
		_, err := a.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			if !a.config.NoLatest && event.Name != "" {
				pipe.Set(ctx, a.LatestKey(event.Name), event.Ref, 0)
			}
			pipe.Publish(ctx, a.config.Channel, body)
			return nil
		})
		return err
	})
}

// Latest returns the newest ref announced for name, or "" if none.
func (a *Adapter) Latest(ctx context.Context, name string) (string, error) {
	ref, err := a.client.Get(ctx, a.LatestKey(name)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", nil
	}
	return ref, err
}

func isClosed(err error) bool {
	return errors.Is(err, goredis.ErrClosed)
}

// Close releases the client.
func (a *Adapter) Close() error {
	return a.client.Close()
}

var _ adapter.Adapter = (*Adapter)(nil)
