// Package blobstore implements the content-addressed object storage that
// backs the page/map cache (C1): an S3-compatible backend for production,
// and a local-filesystem fallback for ANYCRAWL_STORAGE=none deployments.
package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Store is the minimal object-storage surface the cache needs: write a new
// object under a key, and list keys under a prefix (newest-first is decided
// by the caller from the epoch-ms suffix embedded in the key).
type Store interface {
	Put(ctx context.Context, key string, body []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	ListKeys(ctx context.Context, prefix string) ([]string, error)
}

// Config selects and configures a backend.
type Config struct {
	Backend   string // "s3" or "local"
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	LocalDir  string
}

func New(cfg Config, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case "s3":
		return newS3Store(cfg, logger)
	default:
		return newLocalStore(cfg.LocalDir)
	}
}

// --- S3-compatible backend ---

type s3Store struct {
	client *s3.Client
	bucket string
}

func newS3Store(cfg Config, logger *slog.Logger) (*s3Store, error) {
	awsCfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("blobstore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})

	logger.Info("blobstore initialized", "backend", "s3", "bucket", cfg.Bucket, "endpoint", cfg.Endpoint)
	return &s3Store{client: client, bucket: cfg.Bucket}, nil
}

func (s *s3Store) Put(ctx context.Context, key string, body []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("blobstore: put %s: %w", key, err)
	}
	return nil
}

func (s *s3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return nil, fmt.Errorf("blobstore: get %s: %w", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *s3Store) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("blobstore: list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// --- local filesystem fallback backend ---

type localStore struct {
	root string
}

func newLocalStore(root string) (*localStore, error) {
	if root == "" {
		root = "./data/blobstore"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: mkdir %s: %w", root, err)
	}
	return &localStore{root: root}, nil
}

func (s *localStore) resolve(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *localStore) Put(ctx context.Context, key string, body []byte) error {
	path := s.resolve(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, body, 0o644)
}

func (s *localStore) Get(ctx context.Context, key string) ([]byte, error) {
	return os.ReadFile(s.resolve(key))
}

func (s *localStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	root := s.resolve(prefix)
	var keys []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// EpochFromKey extracts the epoch-ms suffix from a "<prefix>/<url_hash>/<options_hash>/<epoch_ms>.json" key.
func EpochFromKey(key string) string {
	base := filepath.Base(key)
	return strings.TrimSuffix(base, ".json")
}
