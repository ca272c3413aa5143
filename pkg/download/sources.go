package download

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/fly-io/fota-agent/pkg/errors"
	"github.com/klauspost/compress/gzhttp"
	"github.com/shirou/gopsutil/v3/disk"
)

// HTTPSource fetches over http(s). The transport advertises gzip and
// decompresses transparently, so the written file is the raw package.
type HTTPSource struct {
	client *http.Client
}

// NewHTTPSource creates an http source with gzip content negotiation
func NewHTTPSource() *HTTPSource {
	return &HTTPSource{
		client: &http.Client{Transport: gzhttp.Transport(http.DefaultTransport)},
	}
}

func (s *HTTPSource) Open(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "request failed")
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// S3Source reads s3://bucket/key objects with anonymous access.
type S3Source struct {
	s3Client *s3.Client
}

// NewS3Source creates a new S3 source for anonymous access
func NewS3Source(ctx context.Context, region string) (*S3Source, error) {
	slog.Info("s3_client_init", "region", region)

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	return &S3Source{s3Client: s3.NewFromConfig(cfg)}, nil
}

func (s *S3Source) Open(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	bucket, key := u.Host, strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("s3 url needs bucket and key: %s", u)
	}

	result, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		slog.Error("s3_get_object_failed", "bucket", bucket, "s3_key", key, "error", err)
		return nil, errors.Wrap(err, "failed to get object from S3")
	}
	return result.Body, nil
}

// FileSource copies a package from the local filesystem, for packages
// delivered by removable media.
type FileSource struct{}

func (FileSource) Open(_ context.Context, u *url.URL) (io.ReadCloser, error) {
	f, err := os.Open(u.Path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open local package")
	}
	return f, nil
}

// DiskFree reports free bytes on the filesystem holding path.
func DiskFree(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}
