// Package s3 implements a fetcher for objects in an S3 compatible bucket.
//
// Object keys are the configured prefix joined with the file's relative
// path and name. Credentials come from the AWS default chain.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/pithecene-io/shuttle/fetcher"
	"github.com/pithecene-io/shuttle/iox"
	"github.com/pithecene-io/shuttle/log"
	"github.com/pithecene-io/shuttle/types"
)

// API is the subset of the S3 client used by the fetcher.
type API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Fetcher reads objects from one bucket.
type Fetcher struct {
	api    API
	bucket string
	prefix string
	logger *log.Logger
}

// ParseBucket splits "bucket/prefix" into its parts.
func ParseBucket(s string) (bucket, prefix string) {
	bucket, prefix, _ = strings.Cut(s, "/")
	return bucket, prefix
}

// New builds an S3 client from cfg and the AWS default configuration.
func New(ctx context.Context, cfg fetcher.Config, logger *log.Logger) (fetcher.Fetcher, error) {
	bucket, prefix := ParseBucket(cfg.Bucket)
	if bucket == "" {
		return nil, types.NewError(types.ErrConfiguration, "data_fetcher.bucket", errors.New("s3 fetcher requires a bucket"))
	}
	if cfg.Prefix != "" {
		prefix = path.Join(prefix, cfg.Prefix)
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if cfg.PathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	return NewWithClient(s3.NewFromConfig(awsConfig, s3Opts...), bucket, prefix, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(api API, bucket, prefix string, logger *log.Logger) *Fetcher {
	return &Fetcher{
		api:    api,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logger,
	}
}

// Key returns the object key of ev.
func (f *Fetcher) Key(ev types.FileEvent) string {
	if f.prefix == "" {
		return ev.Identifier()
	}
	return f.prefix + "/" + ev.Identifier()
}

// Fetch streams the object body.
func (f *Fetcher) Fetch(ctx context.Context, ev types.FileEvent, chunkSize int64) (io.ReadCloser, *types.Metadata, error) {
	out, err := f.get(ctx, ev)
	if err != nil {
		return nil, nil, err
	}
	meta := fetcher.Describe(ev, aws.ToInt64(out.ContentLength), aws.ToTime(out.LastModified), aws.ToTime(out.LastModified), chunkSize)
	if out.ContentLength == nil {
		meta.Filesize = nil
	}
	meta.Extra = map[string]any{"bucket": f.bucket, "key": f.Key(ev)}
	if out.ETag != nil {
		meta.Extra["etag"] = *out.ETag
	}
	return out.Body, meta, nil
}

// Copy downloads the object into dst.
func (f *Fetcher) Copy(ctx context.Context, meta *types.Metadata, dst string) error {
	out, err := f.get(ctx, meta.Event())
	if err != nil {
		return err
	}
	defer iox.DiscardClose(out.Body)
	return iox.WriteFile(dst, out.Body)
}

// Move downloads the object into dst and deletes it.
func (f *Fetcher) Move(ctx context.Context, meta *types.Metadata, dst string) error {
	if err := f.Copy(ctx, meta, dst); err != nil {
		return err
	}
	return f.Remove(ctx, meta)
}

// Remove deletes the object.
func (f *Fetcher) Remove(ctx context.Context, meta *types.Metadata) error {
	key := f.Key(meta.Event())
	_, err := f.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete s3://%s/%s: %w", f.bucket, key, err)
	}
	f.logger.Debug("object deleted", map[string]any{"bucket": f.bucket, "key": key})
	return nil
}

// Close is a no-op; the SDK client holds no resources that need release.
func (f *Fetcher) Close() error {
	return nil
}

func (f *Fetcher) get(ctx context.Context, ev types.FileEvent) (*s3.GetObjectOutput, error) {
	key := f.Key(ev)
	out, err := f.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("s3://%s/%s: %w", f.bucket, key, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("get s3://%s/%s: %w", f.bucket, key, err)
	}
	return out, nil
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound"
}

var _ fetcher.Fetcher = (*Fetcher)(nil)
