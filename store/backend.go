package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/justapithecus/lode/lode"
	lodes3 "github.com/justapithecus/lode/lode/s3"
)

// Backend names.
const (
	BackendFS     = "fs"
	BackendS3     = "s3"
	BackendMemory = "memory"
)

// Config selects and configures the backing store.
type Config struct {
	// Backend is "fs" (default), "s3" or "memory".
	Backend string `yaml:"backend"`
	// Path is the root directory for fs, or "bucket/prefix" for s3 when
	// S3.Bucket is empty.
	Path string `yaml:"path"`
	// S3 configures the s3 backend.
	S3 S3Config `yaml:"s3"`
}

// S3Config holds configuration for the S3 backend.
type S3Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string `yaml:"bucket"`
	// Prefix is the key prefix within the bucket.
	Prefix string `yaml:"prefix"`
	// Region is the AWS region; empty uses the default chain.
	Region string `yaml:"region"`
	// Endpoint is a custom endpoint for S3-compatible providers (MinIO, R2).
	Endpoint string `yaml:"endpoint"`
	// UsePathStyle forces path-style addressing.
	UsePathStyle bool `yaml:"use_path_style"`
}

// Validate checks that required S3 configuration is present.
func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("S3 bucket is required")
	}
	return nil
}

// ParseS3Path splits "bucket/prefix" (or just "bucket").
func ParseS3Path(path string) (bucket, prefix string) {
	bucket, prefix, _ = strings.Cut(path, "/")
	return bucket, prefix
}

// BackendName returns the effective backend name.
func (c Config) BackendName() string {
	if c.Backend == "" {
		return BackendFS
	}
	return c.Backend
}

// NewFactory returns a lode store factory for cfg. The s3 backend loads AWS
// configuration from the default credential chain here, not lazily.
func NewFactory(ctx context.Context, cfg Config) (lode.StoreFactory, error) {
	switch cfg.BackendName() {
	case BackendFS:
		if cfg.Path == "" {
			return nil, errors.New("fs store: path is required")
		}
		return lode.NewFSFactory(cfg.Path), nil
	case BackendMemory:
		return lode.NewMemoryFactory(), nil
	case BackendS3:
		s3cfg := cfg.S3
		if s3cfg.Bucket == "" && cfg.Path != "" {
			s3cfg.Bucket, s3cfg.Prefix = ParseS3Path(cfg.Path)
		}
		return newS3Factory(ctx, s3cfg)
	default:
		return nil, fmt.Errorf("unknown store backend %q (must be fs, s3 or memory)", cfg.Backend)
	}
}

func newS3Factory(ctx context.Context, s3cfg S3Config) (lode.StoreFactory, error) {
	if err := s3cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*config.LoadOptions) error
	if s3cfg.Region != "" {
		opts = append(opts, config.WithRegion(s3cfg.Region))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, wrap(fmt.Errorf("load AWS config: %w", err), "init", s3cfg.Bucket)
	}

	var s3Opts []func(*s3.Options)
	if s3cfg.Endpoint != "" {
		endpoint := s3cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = &endpoint })
	}
	if s3cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
	}
	client := s3.NewFromConfig(awsConfig, s3Opts...)

	return func() (lode.Store, error) {
		return lodes3.New(client, lodes3.Config{Bucket: s3cfg.Bucket, Prefix: s3cfg.Prefix})
	}, nil
}
