// Package storage wraps the S3-compatible object store holding original
// uploads and derived exports in two separate buckets.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/overmarklabs/overmark/internal/faults"
)

// presignTTL bounds how long a handed-out link stays valid. Links are
// signed fresh on every read, never persisted.
const presignTTL = 24 * time.Hour

var errMissingEndpoint = errors.New("storage endpoint is required")

// ClientConfig describes the connection to the object store.
type ClientConfig struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	UseSSL        bool
	Region        string
	RawBucket     string
	DerivedBucket string
}

// Client holds a MinIO client plus the bucket names for original and
// derived objects.
type Client struct {
	client        *minio.Client
	rawBucket     string
	derivedBucket string
	region        string
}

// NewClient builds the object-store client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, faults.New(faults.KindInternal, "storage.new", "missing_endpoint", errMissingEndpoint)
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, faults.New(faults.KindInternal, "storage.new", "client_init_failed", err)
	}
	return &Client{
		client:        client,
		rawBucket:     cfg.RawBucket,
		derivedBucket: cfg.DerivedBucket,
		region:        cfg.Region,
	}, nil
}

// EnsureBuckets creates the raw and derived buckets when they do not exist
// yet. Called once at startup.
func (c *Client) EnsureBuckets(ctx context.Context) error {
	for _, bucket := range []string{c.rawBucket, c.derivedBucket} {
		exists, err := c.client.BucketExists(ctx, bucket)
		if err != nil {
			return faults.New(faults.KindInternal, "storage.ensure_buckets", "check_failed",
				fmt.Errorf("bucket %s: %w", bucket, err))
		}
		if exists {
			continue
		}
		if err := c.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: c.region}); err != nil {
			return faults.New(faults.KindInternal, "storage.ensure_buckets", "create_failed",
				fmt.Errorf("bucket %s: %w", bucket, err))
		}
	}
	return nil
}

// UploadRaw stores an original upload.
func (c *Client) UploadRaw(ctx context.Context, key string, data []byte, contentType string) error {
	return c.put(ctx, c.rawBucket, key, data, contentType)
}

// UploadDerived stores an export artifact.
func (c *Client) UploadDerived(ctx context.Context, key string, data []byte, contentType string) error {
	return c.put(ctx, c.derivedBucket, key, data, contentType)
}

// DownloadRaw fetches the original bytes of an upload.
func (c *Client) DownloadRaw(ctx context.Context, key string) ([]byte, error) {
	object, err := c.client.GetObject(ctx, c.rawBucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, faults.New(faults.KindInternal, "storage.download_raw", "get_failed", err)
	}
	defer object.Close()
	data, err := io.ReadAll(object)
	if err != nil {
		return nil, faults.New(faults.KindInternal, "storage.download_raw", "read_failed", err)
	}
	return data, nil
}

// RemoveRaw deletes an original upload.
func (c *Client) RemoveRaw(ctx context.Context, key string) error {
	if err := c.client.RemoveObject(ctx, c.rawBucket, key, minio.RemoveObjectOptions{}); err != nil {
		return faults.New(faults.KindInternal, "storage.remove_raw", "remove_failed", err)
	}
	return nil
}

// RemoveDerived deletes an export artifact.
func (c *Client) RemoveDerived(ctx context.Context, key string) error {
	if err := c.client.RemoveObject(ctx, c.derivedBucket, key, minio.RemoveObjectOptions{}); err != nil {
		return faults.New(faults.KindInternal, "storage.remove_derived", "remove_failed", err)
	}
	return nil
}

// PresignRaw returns a fresh signed GET URL for an original upload.
func (c *Client) PresignRaw(ctx context.Context, key string) (string, error) {
	return c.presign(ctx, c.rawBucket, key)
}

// PresignDerived returns a fresh signed GET URL for an export artifact.
func (c *Client) PresignDerived(ctx context.Context, key string) (string, error) {
	return c.presign(ctx, c.derivedBucket, key)
}

func (c *Client) put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	opts := minio.PutObjectOptions{ContentType: contentType}
	_, err := c.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		return faults.New(faults.KindInternal, "storage.put", "put_failed",
			fmt.Errorf("bucket %s key %s: %w", bucket, key, err))
	}
	return nil
}

func (c *Client) presign(ctx context.Context, bucket, key string) (string, error) {
	signed, err := c.client.PresignedGetObject(ctx, bucket, key, presignTTL, url.Values{})
	if err != nil {
		return "", faults.New(faults.KindInternal, "storage.presign", "presign_failed", err)
	}
	return signed.String(), nil
}
