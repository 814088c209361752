// Package blobstore uploads finished recordings to S3-compatible storage.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hackrtc/roomrelay/internal/config"
)

var ErrNotConfigured = errors.New("blobstore: not configured")

// Store puts a local file at key and returns the URL it can be fetched from.
type Store interface {
	PutFile(ctx context.Context, key, path, contentType string) (string, error)
}

// S3 is a Store backed by an S3-compatible service.
type S3 struct {
	client *minio.Client
	cfg    config.S3Config
}

func NewS3(cfg config.S3Config) (*S3, error) {
	if !cfg.Enabled() {
		return nil, ErrNotConfigured
	}
	lookup := minio.BucketLookupDNS
	if cfg.ForcePathStyle {
		lookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpointHost(cfg.Endpoint), &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.UseSSL,
		Region:       cfg.Region,
		BucketLookup: lookup,
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: new s3 client: %w", err)
	}
	return &S3{client: client, cfg: cfg}, nil
}

func (s *S3) PutFile(ctx context.Context, key, path, contentType string) (string, error) {
	_, err := s.client.FPutObject(ctx, s.cfg.Bucket, key, path, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("blobstore: put %s/%s: %w", s.cfg.Bucket, key, err)
	}
	return PublicURL(s.cfg, key), nil
}

// PublicURL is where an object at key is served from. An explicit public
// base URL wins; otherwise the URL follows the bucket addressing style.
func PublicURL(cfg config.S3Config, key string) string {
	escaped := escapeKey(key)
	if cfg.PublicBaseURL != "" {
		return strings.TrimRight(cfg.PublicBaseURL, "/") + "/" + escaped
	}

	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	host := endpointHost(cfg.Endpoint)
	if cfg.ForcePathStyle {
		return fmt.Sprintf("%s://%s/%s/%s", scheme, host, cfg.Bucket, escaped)
	}
	return fmt.Sprintf("%s://%s.%s/%s", scheme, cfg.Bucket, host, escaped)
}

// endpointHost tolerates endpoints configured with a scheme.
func endpointHost(endpoint string) string {
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		return u.Host
	}
	return strings.TrimRight(endpoint, "/")
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
