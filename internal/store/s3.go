package store

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"path"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/autopeer-io/tripsync/pkg/log"
	"github.com/autopeer-io/tripsync/pkg/options"
)

// S3Store keeps the whole key/value map as one JSON object in an S3-compatible bucket.
// Reads are served from memory; every write uploads the full document.
type S3Store struct {
	client *minio.Client
	bucket string
	object string

	mu   sync.Mutex
	data map[string]string
}

// NewS3Store connects, creates the bucket if needed and loads the current document.
func NewS3Store(ctx context.Context, opts *options.S3Options, namespace string) (*S3Store, error) {
	minioOpts := &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKeyID, opts.SecretAccessKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	}
	if opts.InsecureSkipVerify {
		minioOpts.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	client, err := minio.New(opts.Endpoint, minioOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	s := &S3Store{
		client: client,
		bucket: opts.BucketName,
		object: path.Join(namespace, opts.ObjectKey),
		data:   make(map[string]string),
	}

	if err := s.ensureBucket(ctx, opts.Region); err != nil {
		return nil, err
	}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *S3Store) ensureBucket(ctx context.Context, region string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		log.Info("Bucket does not exist, creating", "bucket", s.bucket)
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

func (s *S3Store) load(ctx context.Context) error {
	obj, err := s.client.GetObject(ctx, s.bucket, s.object, minio.GetObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", s.object, err)
	}
	defer obj.Close()

	data := make(map[string]string)
	if err := json.NewDecoder(obj).Decode(&data); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			log.Info("No persisted state yet", "bucket", s.bucket, "object", s.object)
			return nil
		}
		return fmt.Errorf("failed to decode %s: %w", s.object, err)
	}

	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
	return nil
}

// flushLocked uploads the document. s.mu must be held.
func (s *S3Store) flushLocked(ctx context.Context) error {
	b, err := json.Marshal(s.data)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, s.bucket, s.object, bytes.NewReader(b), int64(len(b)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("failed to put %s: %w", s.object, err)
	}
	return nil
}

func (s *S3Store) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *S3Store) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.data[key]
	s.data[key] = value
	if err := s.flushLocked(ctx); err != nil {
		if had {
			s.data[key] = prev
		} else {
			delete(s.data, key)
		}
		return err
	}
	return nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.data[key]
	if !had {
		return nil
	}
	delete(s.data, key)
	if err := s.flushLocked(ctx); err != nil {
		s.data[key] = prev
		return err
	}
	return nil
}

func (s *S3Store) Restore(_ context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.data), nil
}

func (s *S3Store) Close() error { return nil }
