package backends

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/richardartoul/storetrace/pkg/locking"
)

// S3API is the subset of the S3 client the adapter uses. *s3.Client satisfies it.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3 is a Backend that stores each key as one object under a bucket prefix.
// S3 has no atomic increment or append, so every write runs under the key's
// lock in a locking.Group. Use a file-lock group to extend that across
// processes on one host; writers on different hosts are not coordinated.
type S3 struct {
	client S3API
	bucket string
	prefix string
	locks  locking.Group
	logger *slog.Logger
	now    func() time.Time
}

// S3Option configures an S3 backend.
type S3Option func(*S3)

// WithS3LockGroup sets the group used to serialize writes per key.
func WithS3LockGroup(g locking.Group) S3Option {
	return func(s *S3) {
		s.locks = g
	}
}

// WithS3Clock overrides the time source used for expiry checks.
func WithS3Clock(now func() time.Time) S3Option {
	return func(s *S3) {
		s.now = now
	}
}

// NewS3 creates an S3 backend storing objects in bucket under prefix.
func NewS3(client S3API, bucket, prefix string, logger *slog.Logger, opts ...S3Option) *S3 {
	s := &S3{
		client: client,
		bucket: bucket,
		prefix: prefix,
		locks:  locking.NewMemLock(),
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *S3) Set(ctx context.Context, key string, value []byte) error {
	return s.withKey(ctx, key, func() error {
		return s.put(ctx, key, scalarEnvelope(value, time.Time{}))
	})
}

func (s *S3) SetWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.withKey(ctx, key, func() error {
		return s.put(ctx, key, scalarEnvelope(value, s.now().Add(ttl)))
	})
}

func (s *S3) Get(ctx context.Context, key string) ([]byte, bool, error) {
	rec, err := s.load(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if rec == nil {
		return nil, true, nil
	}
	if rec.Kind != envelopeKindScalar {
		return nil, false, ErrWrongType
	}
	return cloneBytes(rec.Value), false, nil
}

func (s *S3) Incr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.withKey(ctx, key, func() error {
		rec, err := s.load(ctx, key)
		if err != nil {
			return err
		}
		if rec == nil {
			rec = &envelope{}
		}
		if n, err = rec.incr(); err != nil {
			return err
		}
		return s.put(ctx, key, *rec)
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *S3) Append(ctx context.Context, key string, item []byte) error {
	return s.withKey(ctx, key, func() error {
		rec, err := s.load(ctx, key)
		if err != nil {
			return err
		}
		if rec == nil {
			rec = &envelope{}
		}
		if err := rec.append(item); err != nil {
			return err
		}
		return s.put(ctx, key, *rec)
	})
}

func (s *S3) Range(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	rec, err := s.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return [][]byte{}, nil
	}
	if rec.Kind != envelopeKindList {
		return nil, ErrWrongType
	}
	return sliceRange(rec.Items, start, stop), nil
}

// Clear deletes every object under the prefix.
func (s *S3) Clear(ctx context.Context) error {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})

	deleted := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to list objects: %w", err)
		}
		for _, obj := range page.Contents {
			if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    obj.Key,
			}); err != nil {
				return fmt.Errorf("failed to delete object %s: %w", aws.ToString(obj.Key), err)
			}
			deleted++
		}
	}

	s.logger.Debug("cleared s3 prefix", "bucket", s.bucket, "prefix", s.prefix, "deleted", deleted)
	return nil
}

// Close is a no-op; the S3 client holds no resources that need releasing.
func (s *S3) Close() error {
	return nil
}

func (s *S3) withKey(ctx context.Context, key string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.locks.DoWithLock(key, func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

func (s *S3) objectKey(key string) string {
	return s.prefix + encodeObjectKey(key)
}

// load returns the live record for key, or nil when it is missing or expired.
func (s *S3) load(ctx context.Context, key string) (*envelope, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get object for %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object for %s: %w", key, err)
	}
	rec, err := decodeEnvelope(data)
	if err != nil {
		return nil, fmt.Errorf("object for %s: %w", key, err)
	}
	if rec.expired(s.now()) {
		return nil, nil
	}
	return &rec, nil
}

func (s *S3) put(ctx context.Context, key string, rec envelope) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.objectKey(key)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/json"),
	}); err != nil {
		return fmt.Errorf("failed to put object for %s: %w", key, err)
	}
	return nil
}
