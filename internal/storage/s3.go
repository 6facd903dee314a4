package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Backend stores objects in an S3 bucket. S3 has no integrated malware
// scanner, so GetScanTag reports ErrScanUnsupported and files stored here are
// optimistically treated as clean by the scan reconciler.
type S3Backend struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
	prefix    string
}

type S3Options struct {
	Bucket string
	Prefix string
	Region string
}

func NewS3Backend(ctx context.Context, opts S3Options) (*S3Backend, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 backend requires a bucket")
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Backend{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    opts.Bucket,
		prefix:    opts.Prefix,
	}, nil
}

func (s *S3Backend) Kind() Kind {
	return KindS3
}

func (s *S3Backend) key(location string) string {
	if s.prefix == "" {
		return location
	}
	return path.Join(s.prefix, location)
}

func (s *S3Backend) PresignUpload(ctx context.Context, location string, ttl time.Duration) (string, error) {
	req, err := s.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(location)),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign put for %s: %w", location, err)
	}
	return req.URL, nil
}

func (s *S3Backend) Exists(ctx context.Context, location string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(location)),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("head %s: %w: %v", location, ErrBackendUnavailable, err)
	}
	return true, nil
}

func (s *S3Backend) Download(ctx context.Context, location string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(location)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%s: %w", location, ErrNotFound)
		}
		return nil, fmt.Errorf("get %s: %w: %v", location, ErrBackendUnavailable, err)
	}
	return out.Body, nil
}

func (s *S3Backend) Upload(ctx context.Context, location string, r io.Reader) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(location)),
		Body:   r,
		ACL:    types.ObjectCannedACLPrivate,
	})
	if err != nil {
		return fmt.Errorf("put %s: %w: %v", location, ErrBackendUnavailable, err)
	}
	return nil
}

func (s *S3Backend) GetProperties(ctx context.Context, location string) (*Properties, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(location)),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("%s: %w", location, ErrNotFound)
		}
		return nil, fmt.Errorf("head %s: %w: %v", location, ErrBackendUnavailable, err)
	}
	return &Properties{
		CreatedAt: aws.ToTime(out.LastModified).UTC(),
		SizeBytes: aws.ToInt64(out.ContentLength),
	}, nil
}

func (s *S3Backend) GetScanTag(_ context.Context, _ string) (ScanResult, error) {
	return ScanUnknown, ErrScanUnsupported
}
