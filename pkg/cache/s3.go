package cache

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/afero"

	"github.com/chemflow/chemflow/pkg/catalog"
	"github.com/chemflow/chemflow/pkg/errors"
)

// S3Config configures the object-store mirror.
type S3Config struct {
	// Bucket is the S3 bucket holding mirrored cache artifacts
	Bucket string

	// Prefix is prepended to all object keys (e.g., "chemflow/")
	Prefix string

	// Region is the AWS region
	Region string

	// Endpoint overrides the default S3 endpoint (for S3-compatible services)
	Endpoint string

	// Credentials (optional - uses default chain if not provided)
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// UsePathStyle forces path-style addressing (for MinIO, LocalStack)
	UsePathStyle bool

	// Timeout for S3 operations
	Timeout time.Duration
}

// DefaultS3Config returns sensible defaults.
func DefaultS3Config(bucket string) S3Config {
	return S3Config{
		Bucket:  bucket,
		Prefix:  "chemflow/",
		Timeout: 60 * time.Second,
	}
}

// S3Mirror replicates cache artifacts to an object store so fetched raw
// files and materialized parquet can be shared between machines.
type S3Mirror struct {
	cfg    S3Config
	client *s3.Client
	cache  Backend
}

// NewS3Mirror creates a mirror on top of a local cache backend.
func NewS3Mirror(ctx context.Context, cfg S3Config, local Backend) (*S3Mirror, error) {
	var opts []func(*awsconfig.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				cfg.SessionToken,
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.CacheBackendFailure("s3_init", err)
	}

	s3Opts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	return &S3Mirror{
		cfg:    cfg,
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		cache:  local,
	}, nil
}

// key maps a cache-relative path to an object key.
func (m *S3Mirror) key(relPath string) string {
	return m.cfg.Prefix + filepath.ToSlash(relPath)
}

// relativize converts an absolute cache path to a root-relative one.
func (m *S3Mirror) relativize(path string) (string, error) {
	rel, err := filepath.Rel(m.cache.Root(), path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", errors.New(errors.CodeCacheBackend, "path outside cache root").
			WithContext("path", path)
	}
	return rel, nil
}

// PushFile uploads a single cache file.
func (m *S3Mirror) PushFile(ctx context.Context, path string) error {
	rel, err := m.relativize(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	f, err := m.cache.Fs().Open(path)
	if err != nil {
		return errors.CacheBackendFailure("s3_push", err).WithContext("path", path)
	}
	defer f.Close()

	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(m.cfg.Bucket),
		Key:    aws.String(m.key(rel)),
		Body:   f,
	})
	if err != nil {
		return errors.CacheBackendFailure("s3_push", err).WithContext("path", path)
	}
	return nil
}

// PullFile downloads a single cache file, replacing any local copy.
func (m *S3Mirror) PullFile(ctx context.Context, path string) error {
	rel, err := m.relativize(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	out, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.cfg.Bucket),
		Key:    aws.String(m.key(rel)),
	})
	if err != nil {
		return errors.CacheBackendFailure("s3_pull", err).WithContext("path", path)
	}
	defer out.Body.Close()

	fs := m.cache.Fs()
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.CacheBackendFailure("s3_pull", err).WithContext("path", path)
	}

	tmp := path + ".tmp"
	if err := afero.WriteReader(fs, tmp, out.Body); err != nil {
		fs.Remove(tmp)
		return errors.CacheBackendFailure("s3_pull", err).WithContext("path", path)
	}
	if err := fs.Rename(tmp, path); err != nil {
		fs.Remove(tmp)
		return errors.CacheBackendFailure("s3_pull", err).WithContext("path", path)
	}
	return nil
}

// PushDataset uploads the raw file and raw metadata for a dataset.
func (m *S3Mirror) PushDataset(ctx context.Context, d *catalog.Dataset) error {
	for _, path := range []string{m.cache.RawFile(d), m.cache.RawMeta(d)} {
		if err := m.PushFile(ctx, path); err != nil {
			return err
		}
	}
	return nil
}

// PullDataset downloads the raw file and raw metadata for a dataset.
func (m *S3Mirror) PullDataset(ctx context.Context, d *catalog.Dataset) error {
	for _, path := range []string{m.cache.RawFile(d), m.cache.RawMeta(d)} {
		if err := m.PullFile(ctx, path); err != nil {
			return err
		}
	}
	return nil
}

// PushParquet uploads the parquet parts and manifest for a dataset.
func (m *S3Mirror) PushParquet(ctx context.Context, d *catalog.Dataset) error {
	dir := m.cache.ParquetDir(d)
	entries, err := afero.ReadDir(m.cache.Fs(), dir)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.New(errors.CodeCacheBackend, "dataset not materialized").
				WithContext("dataset_id", d.ID)
		}
		return errors.CacheBackendFailure("s3_push", err).WithContext("path", dir)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := m.PushFile(ctx, filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return m.PushFile(ctx, m.cache.ParquetManifest(d))
}
