// Package objectstore is the executor's binding to a marketplace stack's
// storage-bucket services (spec.md §4.4 Service kinds) and the
// content-addressed function binary fetch path (spec.md §4.6), adapted
// from cycle-start-hosting's S3Manager which drives the same S3 API
// against a local RGW endpoint.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"github.com/muprotocol/mu/internal/stack"
)

// BinaryFetcher resolves a content-addressed function locator to bytes.
// The runtime cache calls this on a miss (spec.md §4.6).
type BinaryFetcher interface {
	Fetch(ctx context.Context, locator string) ([]byte, error)
}

// Store manages both the tenant-facing StorageBucket services a stack
// declares and the function-binary bucket the executor privately reads
// from. Both live in the same S3-compatible backend but under distinct
// naming and ACL regimes.
type Store struct {
	log      zerolog.Logger
	client   *s3.Client
	artifactBucket string
}

// Config names the S3-compatible endpoint this store binds to
// (spec.md §6 StorageBackend).
type Config struct {
	Endpoint       string
	Region         string
	AccessKey      string
	SecretKey      string
	UsePathStyle   bool
	ArtifactBucket string
}

// New builds a Store against the configured S3-compatible backend.
func New(cfg Config, log zerolog.Logger) *Store {
	client := s3.New(s3.Options{
		BaseEndpoint: aws.String(cfg.Endpoint),
		Region:       orDefault(cfg.Region, "us-east-1"),
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: cfg.UsePathStyle,
	})
	return &Store{
		log:            log.With().Str("component", "objectstore").Logger(),
		client:         client,
		artifactBucket: cfg.ArtifactBucket,
	}
}

func orDefault(v, d string) string {
	if v == "" {
		return d
	}
	return v
}

// BucketName is the deterministic name the executor gives a stack's
// declared StorageBucket service: distinct stacks, and distinct buckets
// within a stack, never collide.
func BucketName(region uint32, id stack.ID, service string) string {
	return fmt.Sprintf("mu-%d-%s-%s", region, id.String()[:16], strings.ToLower(service))
}

// EnsureBucket creates the bucket if absent, idempotently.
func (s *Store) EnsureBucket(ctx context.Context, name string) error {
	s.log.Info().Str("bucket", name).Msg("ensuring bucket")
	_, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(name)})
	if err != nil {
		if strings.Contains(err.Error(), "BucketAlreadyExists") ||
			strings.Contains(err.Error(), "BucketAlreadyOwnedByYou") {
			return nil
		}
		return fmt.Errorf("objectstore: create bucket %s: %w", name, err)
	}
	return nil
}

// DeleteBucket empties then removes a bucket, tolerating a bucket that
// is already gone (reconciliation may retry a Delete already applied).
func (s *Store) DeleteBucket(ctx context.Context, name string) error {
	s.log.Info().Str("bucket", name).Msg("deleting bucket")

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{Bucket: aws.String(name)})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			break
		}
		if len(page.Contents) == 0 {
			break
		}
		objs := make([]s3types.ObjectIdentifier, len(page.Contents))
		for i, o := range page.Contents {
			objs[i] = s3types.ObjectIdentifier{Key: o.Key}
		}
		_, _ = s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(name),
			Delete: &s3types.Delete{Objects: objs},
		})
	}

	_, err := s.client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(name)})
	if err != nil && !strings.Contains(err.Error(), "NoSuchBucket") {
		return fmt.Errorf("objectstore: delete bucket %s: %w", name, err)
	}
	return nil
}

// Fetch implements BinaryFetcher against the private artifact bucket,
// keyed by the content-addressed locator (e.g. "sha256:<hex>").
func (s *Store) Fetch(ctx context.Context, locator string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.artifactBucket),
		Key:    aws.String(locator),
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: fetch artifact %s: %w", locator, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("objectstore: read artifact %s: %w", locator, err)
	}
	return data, nil
}

// PutArtifact uploads a compiled function binary under its
// content-addressed locator. Used by test fixtures and by any admin
// tooling that seeds the artifact bucket out of band.
func (s *Store) PutArtifact(ctx context.Context, locator string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.artifactBucket),
		Key:    aws.String(locator),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("objectstore: put artifact %s: %w", locator, err)
	}
	return nil
}

// ReconcileBuckets brings the backend's bucket set for a stack in line
// with its declared StorageBucket services: creating newly declared
// buckets and deleting ones marked for removal (spec.md §4.4).
func (s *Store) ReconcileBuckets(ctx context.Context, region uint32, id stack.ID, spec stack.Spec) error {
	for _, svc := range spec.Services {
		if svc.Kind != stack.ServiceStorageBucket {
			continue
		}
		name := BucketName(region, id, svc.Bucket.Name)
		if svc.Bucket.Delete {
			if err := s.DeleteBucket(ctx, name); err != nil {
				return err
			}
			continue
		}
		if err := s.EnsureBucket(ctx, name); err != nil {
			return err
		}
	}
	return nil
}
