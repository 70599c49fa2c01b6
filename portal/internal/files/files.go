// Package files turns a stored payload reference into a URL a client can fetch.
package files

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/covenant-hub/covenant/portal/internal/config"
)

// Resolver produces a deliverable URL for a payload reference.
type Resolver interface {
	URL(ctx context.Context, ref string) (string, error)
}

// New creates a Resolver for the configured driver.
func New(ctx context.Context, cfg config.FilesConfig) (Resolver, error) {
	switch cfg.Driver {
	case "s3":
		return NewS3(ctx, cfg.S3Bucket, cfg.S3Region, cfg.URLExpiry.Duration)
	case "static", "":
		return NewStatic(cfg.BaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported files driver: %q", cfg.Driver)
	}
}

// StaticResolver joins refs onto a fixed base URL. Refs that are already
// absolute URLs are returned unchanged.
type StaticResolver struct {
	base string
}

// NewStatic creates a StaticResolver.
func NewStatic(baseURL string) *StaticResolver {
	return &StaticResolver{base: strings.TrimRight(baseURL, "/")}
}

func (r *StaticResolver) URL(_ context.Context, ref string) (string, error) {
	if ref == "" {
		return "", errors.New("empty file reference")
	}
	if u, err := url.Parse(ref); err == nil && u.IsAbs() {
		return ref, nil
	}
	if r.base == "" {
		return "/" + strings.TrimLeft(ref, "/"), nil
	}
	return r.base + "/" + strings.TrimLeft(ref, "/"), nil
}

// S3Resolver issues time-limited presigned GET URLs.
type S3Resolver struct {
	bucket  string
	expiry  time.Duration
	presign func(ctx context.Context, in *s3.GetObjectInput, expiry time.Duration) (string, error)
}

// NewS3 creates an S3Resolver using the default AWS credential chain.
func NewS3(ctx context.Context, bucket, region string, expiry time.Duration) (*S3Resolver, error) {
	if bucket == "" {
		return nil, errors.New("files.s3_bucket is required for the s3 driver")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newS3Resolver(s3.NewPresignClient(s3.NewFromConfig(cfg)), bucket, expiry), nil
}

func newS3Resolver(pc *s3.PresignClient, bucket string, expiry time.Duration) *S3Resolver {
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	return &S3Resolver{
		bucket: bucket,
		expiry: expiry,
		presign: func(ctx context.Context, in *s3.GetObjectInput, expiry time.Duration) (string, error) {
			req, err := pc.PresignGetObject(ctx, in, s3.WithPresignExpires(expiry))
			if err != nil {
				return "", err
			}
			return req.URL, nil
		},
	}
}

func (r *S3Resolver) URL(ctx context.Context, ref string) (string, error) {
	key := strings.TrimLeft(ref, "/")
	if key == "" {
		return "", errors.New("empty file reference")
	}
	u, err := r.presign(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	}, r.expiry)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return u, nil
}
