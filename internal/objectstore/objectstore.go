// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

// Package objectstore holds rotation archives. The interface is the minimal
// surface the archiver needs; everything else (lifecycle, retention on the
// archive side) belongs to the bucket's own policy.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/lmerrick/auditpipe/internal/logging"
)

// Store is where rotation archives land.
type Store interface {
	// Put uploads one object. The reader is consumed fully.
	Put(ctx context.Context, objectPath string, body io.Reader, contentType, contentEncoding string) error

	// Exists reports whether an object is already present.
	Exists(ctx context.Context, objectPath string) (bool, error)
}

// S3Config holds settings for the S3-backed store.
type S3Config struct {
	Bucket    string
	Prefix    string
	Region    string
	AccessKey string
	SecretKey string

	// Endpoint overrides the AWS endpoint for S3-compatible stores
	// (MinIO, Ceph RGW). Empty means AWS.
	Endpoint string
}

// S3Store uploads archives to one bucket under a fixed prefix.
type S3Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

var _ Store = (*S3Store)(nil)

// NewS3Store builds a store from config. Static credentials are optional;
// without them the SDK's default chain applies.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			// S3-compatible stores route by path, not virtual host.
			o.UsePathStyle = true
		}
	})
	return &S3Store{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		prefix:   strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (s *S3Store) key(objectPath string) string {
	if s.prefix == "" {
		return strings.TrimLeft(objectPath, "/")
	}
	return path.Join(s.prefix, strings.TrimLeft(objectPath, "/"))
}

// Put streams one object to the bucket. The uploader handles multipart
// splitting for large archives.
func (s *S3Store) Put(ctx context.Context, objectPath string, body io.Reader, contentType, contentEncoding string) error {
	key := s.key(objectPath)
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if contentEncoding != "" {
		input.ContentEncoding = aws.String(contentEncoding)
	}
	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	logging.Debug().Str("bucket", s.bucket).Str("key", key).Msg("uploaded archive object")
	return nil
}

// Exists heads the object.
func (s *S3Store) Exists(ctx context.Context, objectPath string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(objectPath)),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("heading %s: %w", s.key(objectPath), err)
	}
	return true, nil
}

// MemoryStore is an in-process store for tests.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte

	// PutErr, when set, fails every Put. Lets tests exercise the archiver's
	// preserve-on-failure path.
	PutErr error
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore builds an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: map[string][]byte{}}
}

func (s *MemoryStore) Put(ctx context.Context, objectPath string, body io.Reader, contentType, contentEncoding string) error {
	if s.PutErr != nil {
		return s.PutErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[strings.TrimLeft(objectPath, "/")] = data
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, objectPath string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[strings.TrimLeft(objectPath, "/")]
	return ok, nil
}

// Object returns a stored object's bytes, or nil.
func (s *MemoryStore) Object(objectPath string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.objects[strings.TrimLeft(objectPath, "/")]
}

// Len reports the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}
