// Package objectstore holds build-context snapshots. A build request
// uploads the project snapshot as a tarball; the worker hands its object
// key to the in-cluster builder.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/atelier-labs/atelier/internal/platform/env"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint        string
	AccessKey       string
	SecretKey       string
	Region          string
	UseSSL          bool
	BucketSnapshots string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("ATELIER_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:        env.String("ATELIER_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:       env.String("ATELIER_MINIO_ACCESS_KEY", "atelier"),
		SecretKey:       env.String("ATELIER_MINIO_SECRET_KEY", "atelierminio"),
		Region:          env.String("ATELIER_MINIO_REGION", "us-east-1"),
		UseSSL:          useSSL,
		BucketSnapshots: env.String("ATELIER_MINIO_BUCKET_SNAPSHOTS", "build-snapshots"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return errors.New("endpoint must not include a scheme")
	}
	if strings.TrimSpace(c.AccessKey) == "" || strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("credentials are required")
	}
	if strings.TrimSpace(c.BucketSnapshots) == "" {
		return errors.New("snapshots bucket is required")
	}
	return nil
}

func NewClient(cfg Config) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
		Transport: &http.Transport{
			DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
			TLSHandshakeTimeout: 5 * time.Second,
			MaxIdleConns:        16,
			IdleConnTimeout:     90 * time.Second,
		},
	})
}

func EnsureBucket(ctx context.Context, client *minio.Client, cfg Config) error {
	exists, err := client.BucketExists(ctx, cfg.BucketSnapshots)
	if err != nil {
		return fmt.Errorf("snapshots bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	err = client.MakeBucket(ctx, cfg.BucketSnapshots, minio.MakeBucketOptions{Region: cfg.Region})
	if err != nil {
		// Another service may have raced us to it.
		exists, existsErr := client.BucketExists(ctx, cfg.BucketSnapshots)
		if existsErr == nil && exists {
			return nil
		}
		return fmt.Errorf("make snapshots bucket: %w", err)
	}
	return nil
}

// SnapshotKey is the object key of one build's context tarball.
func SnapshotKey(buildUUID string) string {
	return "snapshots/" + buildUUID + ".tar.gz"
}

// Snapshots adapts the minio client to the build pipeline.
type Snapshots struct {
	client *minio.Client
	bucket string
}

func NewSnapshots(client *minio.Client, cfg Config) *Snapshots {
	if client == nil {
		return nil
	}
	return &Snapshots{client: client, bucket: cfg.BucketSnapshots}
}

// Upload stores the context tarball for a build.
func (s *Snapshots) Upload(ctx context.Context, buildUUID string, r io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, s.bucket, SnapshotKey(buildUUID), r, size, minio.PutObjectOptions{
		ContentType: "application/gzip",
	})
	if err != nil {
		return fmt.Errorf("upload snapshot %s: %w", buildUUID, err)
	}
	return nil
}

// Stat verifies the snapshot for a build exists and returns its size.
func (s *Snapshots) Stat(ctx context.Context, buildUUID string) (int64, error) {
	info, err := s.client.StatObject(ctx, s.bucket, SnapshotKey(buildUUID), minio.StatObjectOptions{})
	if err != nil {
		return 0, fmt.Errorf("stat snapshot %s: %w", buildUUID, err)
	}
	return info.Size, nil
}

// URL returns the location the in-cluster builder fetches the context from.
func (s *Snapshots) URL(buildUUID string) string {
	scheme := "http"
	if s.client.EndpointURL().Scheme == "https" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, s.client.EndpointURL().Host, s.bucket, SnapshotKey(buildUUID))
}

// Remove deletes a build's snapshot; a missing object is success.
func (s *Snapshots) Remove(ctx context.Context, buildUUID string) error {
	err := s.client.RemoveObject(ctx, s.bucket, SnapshotKey(buildUUID), minio.RemoveObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
			return nil
		}
		return fmt.Errorf("remove snapshot %s: %w", buildUUID, err)
	}
	return nil
}
