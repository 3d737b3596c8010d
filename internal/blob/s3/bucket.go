// Package s3blob archives migration receipts to S3 or an S3-compatible store
// (MinIO, R2) using AWS SDK v2.
package s3blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/alanyoungcy/vaultshift/internal/domain"
)

// Receipts are small JSON documents and exports are a few MiB at most, so a
// single upload goroutine and the minimum part size are enough.
const (
	uploadPartSize    = manager.MinUploadPartSize
	uploadConcurrency = 1
)

// BucketConfig locates the receipt bucket.
type BucketConfig struct {
	// Endpoint targets an S3-compatible service, e.g. "localhost:9000".
	// Empty means AWS itself.
	Endpoint string
	UseSSL   bool
	Region   string
	Name     string

	// Prefix namespaces every key, so several deployments can share a
	// bucket. "mainnet" and "mainnet/" are equivalent.
	Prefix string

	// Static credentials. Both empty selects the default AWS chain.
	AccessKey string
	SecretKey string

	ForcePathStyle bool
}

// Bucket implements domain.BlobWriter and domain.BlobReader for one bucket,
// resolving every path below the configured prefix.
type Bucket struct {
	api      *s3.Client
	uploader *manager.Uploader
	name     string
	prefix   string
}

// OpenBucket builds the SDK client for cfg. It does not contact the service;
// call Health for that.
func OpenBucket(ctx context.Context, cfg BucketConfig) (*Bucket, error) {
	switch {
	case cfg.Name == "":
		return nil, fmt.Errorf("s3blob: bucket name is required")
	case cfg.Region == "":
		return nil, fmt.Errorf("s3blob: region is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3blob: load aws config: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(endpointURL(cfg.Endpoint, cfg.UseSSL))
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return newBucket(api, cfg.Name, cfg.Prefix), nil
}

func newBucket(api *s3.Client, name, prefix string) *Bucket {
	return &Bucket{
		api: api,
		uploader: manager.NewUploader(api, func(u *manager.Uploader) {
			u.PartSize = uploadPartSize
			u.Concurrency = uploadConcurrency
		}),
		name:   name,
		prefix: cleanPrefix(prefix),
	}
}

// Health issues a HeadBucket request.
func (b *Bucket) Health(ctx context.Context) error {
	if _, err := b.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.name)}); err != nil {
		return fmt.Errorf("s3blob: bucket %s unreachable: %w", b.name, err)
	}
	return nil
}

// Put stores data at p.
func (b *Bucket) Put(ctx context.Context, p string, data io.Reader, contentType string) error {
	in := &s3.PutObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(b.key(p)),
		Body:   data,
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := b.uploader.Upload(ctx, in); err != nil {
		return fmt.Errorf("s3blob: put %s: %w", p, err)
	}
	return nil
}

// Get opens the object at p; the caller closes it. A missing object wraps
// domain.ErrNotFound.
func (b *Bucket) Get(ctx context.Context, p string) (io.ReadCloser, error) {
	out, err := b.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(b.key(p)),
	})
	switch {
	case missing(err):
		return nil, fmt.Errorf("s3blob: get %s: %w", p, domain.ErrNotFound)
	case err != nil:
		return nil, fmt.Errorf("s3blob: get %s: %w", p, err)
	}
	return out.Body, nil
}

// List returns the objects under prefix with paths relative to the bucket
// prefix, so they can be passed back to Get.
func (b *Bucket) List(ctx context.Context, prefix string) ([]domain.BlobInfo, error) {
	pages := s3.NewListObjectsV2Paginator(b.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.name),
		Prefix: aws.String(b.key(prefix)),
	})
	var infos []domain.BlobInfo
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3blob: list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			infos = append(infos, domain.BlobInfo{
				Path:         strings.TrimPrefix(aws.ToString(obj.Key), b.prefix),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return infos, nil
}

// Exists reports whether an object is stored at p.
func (b *Bucket) Exists(ctx context.Context, p string) (bool, error) {
	_, err := b.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(b.key(p)),
	})
	switch {
	case missing(err):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("s3blob: head %s: %w", p, err)
	}
	return true, nil
}

func (b *Bucket) key(p string) string { return b.prefix + strings.TrimPrefix(p, "/") }

// cleanPrefix normalises a key prefix to "" or "a/b/".
func cleanPrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/ ")
	if prefix == "" {
		return ""
	}
	return path.Clean(prefix) + "/"
}

// endpointURL adds a scheme to a bare host:port. url.Parse would take the
// host as the scheme, hence the string check.
func endpointURL(endpoint string, useSSL bool) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}

// missing reports whether err says the object does not exist. GetObject
// returns NoSuchKey while HeadObject only has a bare 404.
func missing(err error) bool {
	if err == nil {
		return false
	}
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	var resp *smithyhttp.ResponseError
	return errors.As(err, &noKey) ||
		errors.As(err, &notFound) ||
		(errors.As(err, &resp) && resp.HTTPStatusCode() == http.StatusNotFound)
}

var (
	_ domain.BlobWriter = (*Bucket)(nil)
	_ domain.BlobReader = (*Bucket)(nil)
)
