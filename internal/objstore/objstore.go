// Package objstore stores approved media in S3-compatible object storage.
// Audio and documents land in separate buckets, keyed deterministically by
// record identity so a retried upload overwrites its own object.
package objstore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/chanvault/chanvault/internal/config"
	"github.com/chanvault/chanvault/internal/platform"
)

// Store abstracts the object storage operations the approval processor and
// download endpoints need.
type Store interface {
	EnsureBuckets(ctx context.Context) error
	Put(ctx context.Context, kind platform.MediaKind, key string, r io.Reader, size int64, contentType string) error
	Exists(ctx context.Context, kind platform.MediaKind, key string) (bool, error)
	PresignedGet(ctx context.Context, kind platform.MediaKind, key string, expiry time.Duration) (string, error)
}

// ObjectKey derives the deterministic storage key for a media record. The key
// is built from record identity, not the bare file name, so two channels
// sharing a file name cannot collide.
func ObjectKey(channel string, messageID int64, fileName string) string {
	name := sanitizeName(fileName)
	return fmt.Sprintf("%s/%d/%s", channel, messageID, name)
}

func sanitizeName(name string) string {
	name = path.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == "/" {
		return "attachment"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

// MinioStore is the MinIO/S3 implementation of Store.
type MinioStore struct {
	client         *minio.Client
	audioBucket    string
	documentBucket string
}

// NewMinioStore creates a MinIO client from config.
func NewMinioStore(cfg config.S3Config) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return &MinioStore{
		client:         client,
		audioBucket:    cfg.AudioBucket,
		documentBucket: cfg.DocumentBucket,
	}, nil
}

// Bucket maps a media kind to its bucket name.
func (s *MinioStore) Bucket(kind platform.MediaKind) (string, error) {
	switch kind {
	case platform.MediaKindAudio:
		return s.audioBucket, nil
	case platform.MediaKindDocument:
		return s.documentBucket, nil
	default:
		return "", platform.Errorf(platform.KindValidation, "objstore.bucket", "unsupported media kind %q", kind)
	}
}

// EnsureBuckets creates the per-kind buckets when absent.
func (s *MinioStore) EnsureBuckets(ctx context.Context) error {
	for _, bucket := range []string{s.audioBucket, s.documentBucket} {
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return platform.E(platform.KindStorage, "objstore.ensure_buckets", err)
		}
		if exists {
			continue
		}
		if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return platform.E(platform.KindStorage, "objstore.ensure_buckets", err)
		}
	}
	return nil
}

// Put uploads an object. Overwriting the same key on retry is intentional.
func (s *MinioStore) Put(ctx context.Context, kind platform.MediaKind, key string, r io.Reader, size int64, contentType string) error {
	bucket, err := s.Bucket(kind)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return platform.E(platform.KindStorage, "objstore.put", err)
	}
	return nil
}

// Exists reports whether the object is present.
func (s *MinioStore) Exists(ctx context.Context, kind platform.MediaKind, key string) (bool, error) {
	bucket, err := s.Bucket(kind)
	if err != nil {
		return false, err
	}
	_, err = s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
			return false, nil
		}
		return false, platform.E(platform.KindStorage, "objstore.stat", err)
	}
	return true, nil
}

// PresignedGet returns a time-limited download URL for the object.
func (s *MinioStore) PresignedGet(ctx context.Context, kind platform.MediaKind, key string, expiry time.Duration) (string, error) {
	bucket, err := s.Bucket(kind)
	if err != nil {
		return "", err
	}
	u, err := s.client.PresignedGetObject(ctx, bucket, key, expiry, url.Values{})
	if err != nil {
		return "", platform.E(platform.KindStorage, "objstore.presign", err)
	}
	return u.String(), nil
}
