// Package s3 provides a backend over an S3 or MinIO bucket. Objects
// are keyed by path; directories are represented by zero-byte marker
// objects with a trailing slash. Change detection is poll-based.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/fruitsalade/kumquat/internal/backend"
	"github.com/fruitsalade/kumquat/internal/logging"
	"github.com/fruitsalade/kumquat/internal/metrics"
)

// Config holds S3 backend settings.
type Config struct {
	Endpoint     string
	Bucket       string
	Prefix       string
	AccessKey    string
	SecretKey    string
	Region       string
	PollInterval time.Duration
}

// Backend implements the storage contract over a bucket. Watching is
// recursive: the poll scanner covers whole subtrees, so one WatchPath
// per root suffices.
type Backend struct {
	client *awss3.Client
	bucket string
	prefix string

	scanner *scanner
}

// New creates an S3 backend and checks whether the bucket is reachable;
// an unreachable bucket is logged as a warning and does not fail New.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               cfg.Endpoint,
				HostnameImmutable: true,
			}, nil
		},
	)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithEndpointResolverWithOptions(resolver),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		o.UsePathStyle = true
	})

	b := &Backend{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.TrimPrefix(cfg.Prefix, "/"),
	}
	if b.prefix != "" && !strings.HasSuffix(b.prefix, "/") {
		b.prefix += "/"
	}

	if _, err := client.HeadBucket(ctx, &awss3.HeadBucketInput{
		Bucket: aws.String(cfg.Bucket),
	}); err != nil {
		logging.L().Warn("bucket check failed", zap.String("bucket", cfg.Bucket), zap.Error(err))
	}

	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	b.scanner = newScanner(b, interval)
	return b, nil
}

// key maps a path to its object key. The root maps to the bare prefix.
func (b *Backend) key(path string) string {
	return b.prefix + strings.TrimPrefix(path, "/")
}

func (b *Backend) pathOf(key string) string {
	return "/" + strings.TrimSuffix(strings.TrimPrefix(key, b.prefix), "/")
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

func (b *Backend) InitWatchers(change backend.ChangeFunc, offline backend.OfflineFunc) {
	b.scanner.init(change, offline)
}

func (b *Backend) Stat(ctx context.Context, path string) (backend.Stat, error) {
	start := time.Now()
	s, err := b.stat(ctx, path)
	metrics.RecordBackendOperation("s3", "stat", time.Since(start), err)
	return s, err
}

func (b *Backend) stat(ctx context.Context, path string) (backend.Stat, error) {
	if path == "/" {
		return backend.Stat{IsFile: false, MTime: time.Unix(0, 0)}, nil
	}

	head, err := b.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(path)),
	})
	if err == nil {
		return backend.Stat{
			Size:   aws.ToInt64(head.ContentLength),
			MTime:  aws.ToTime(head.LastModified),
			IsFile: true,
		}, nil
	}
	if !isNotFound(err) {
		return backend.Stat{}, fmt.Errorf("stat %s: %w", path, err)
	}

	// No object at the key: the path is a directory when anything
	// lives under its prefix (marker object included).
	list, err := b.client.ListObjectsV2(ctx, &awss3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(b.key(path) + "/"),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return backend.Stat{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if aws.ToInt32(list.KeyCount) == 0 {
		return backend.Stat{}, fmt.Errorf("stat %s: %w", path, backend.ErrNotFound)
	}
	mtime := time.Unix(0, 0)
	if len(list.Contents) > 0 {
		mtime = aws.ToTime(list.Contents[0].LastModified)
	}
	return backend.Stat{IsFile: false, MTime: mtime}, nil
}

func (b *Backend) ReadDir(ctx context.Context, path string) ([]string, []backend.Stat, error) {
	start := time.Now()
	names, stats, err := b.readDir(ctx, path)
	metrics.RecordBackendOperation("s3", "readdir", time.Since(start), err)
	return names, stats, err
}

func (b *Backend) readDir(ctx context.Context, path string) ([]string, []backend.Stat, error) {
	prefix := b.key(path)
	if path != "/" {
		prefix += "/"
	}

	type child struct {
		name string
		stat backend.Stat
	}
	var children []child

	paginator := awss3.NewListObjectsV2Paginator(b.client, &awss3.ListObjectsV2Input{
		Bucket:    aws.String(b.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	seen := false
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("readdir %s: %w", path, err)
		}
		for _, cp := range page.CommonPrefixes {
			seen = true
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			children = append(children, child{name: name, stat: backend.Stat{IsFile: false, MTime: time.Unix(0, 0)}})
		}
		for _, obj := range page.Contents {
			seen = true
			key := aws.ToString(obj.Key)
			name := strings.TrimPrefix(key, prefix)
			if name == "" || strings.HasSuffix(name, "/") {
				continue // the directory's own marker
			}
			children = append(children, child{name: name, stat: backend.Stat{
				Size:   aws.ToInt64(obj.Size),
				MTime:  aws.ToTime(obj.LastModified),
				IsFile: true,
			}})
		}
	}
	if !seen && path != "/" {
		if _, err := b.stat(ctx, path); err != nil {
			return nil, nil, err
		}
	}

	sort.Slice(children, func(i, j int) bool { return children[i].name < children[j].name })
	names := make([]string, len(children))
	stats := make([]backend.Stat, len(children))
	for i, c := range children {
		names[i] = c.name
		stats[i] = c.stat
	}
	return names, stats, nil
}

func (b *Backend) ReadFile(ctx context.Context, path string) ([]byte, backend.Stat, error) {
	start := time.Now()
	out, err := b.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(path)),
	})
	if err != nil {
		metrics.RecordBackendOperation("s3", "read", time.Since(start), err)
		if isNotFound(err) {
			return nil, backend.Stat{}, fmt.Errorf("read %s: %w", path, backend.ErrNotFound)
		}
		return nil, backend.Stat{}, fmt.Errorf("read %s: %w", path, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	metrics.RecordBackendOperation("s3", "read", time.Since(start), err)
	if err != nil {
		return nil, backend.Stat{}, fmt.Errorf("read %s: %w", path, err)
	}
	return data, backend.Stat{
		Size:   int64(len(data)),
		MTime:  aws.ToTime(out.LastModified),
		IsFile: true,
	}, nil
}

func (b *Backend) WriteFile(ctx context.Context, path string, data []byte) (backend.Stat, error) {
	start := time.Now()
	_, err := b.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(path)),
		Body:   bytes.NewReader(data),
	})
	metrics.RecordBackendOperation("s3", "write", time.Since(start), err)
	if err != nil {
		return backend.Stat{}, fmt.Errorf("write %s: %w", path, err)
	}
	return b.stat(ctx, path)
}

func (b *Backend) Mkdir(ctx context.Context, path string) (backend.Stat, error) {
	start := time.Now()
	_, err := b.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(path) + "/"),
		Body:   bytes.NewReader(nil),
	})
	metrics.RecordBackendOperation("s3", "mkdir", time.Since(start), err)
	if err != nil {
		return backend.Stat{}, fmt.Errorf("mkdir %s: %w", path, err)
	}
	return backend.Stat{IsFile: false, MTime: time.Now()}, nil
}

// Rename copies every object under the old path to the new path, then
// deletes the originals. Not atomic; S3 has no rename primitive.
func (b *Backend) Rename(ctx context.Context, oldPath, newPath string) error {
	start := time.Now()
	err := b.rename(ctx, oldPath, newPath)
	metrics.RecordBackendOperation("s3", "rename", time.Since(start), err)
	return err
}

func (b *Backend) rename(ctx context.Context, oldPath, newPath string) error {
	keys, err := b.subtreeKeys(ctx, oldPath)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return fmt.Errorf("rename %s: %w", oldPath, backend.ErrNotFound)
	}
	oldKey := b.key(oldPath)
	newKey := b.key(newPath)
	for _, k := range keys {
		dst := newKey + strings.TrimPrefix(k, oldKey)
		if _, err := b.client.CopyObject(ctx, &awss3.CopyObjectInput{
			Bucket:     aws.String(b.bucket),
			CopySource: aws.String(b.bucket + "/" + k),
			Key:        aws.String(dst),
		}); err != nil {
			return fmt.Errorf("rename %s: copy %s: %w", oldPath, k, err)
		}
	}
	for _, k := range keys {
		if _, err := b.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(k),
		}); err != nil {
			return fmt.Errorf("rename %s: delete %s: %w", oldPath, k, err)
		}
	}
	return nil
}

func (b *Backend) Unlink(ctx context.Context, path string) error {
	start := time.Now()
	err := b.unlink(ctx, path)
	metrics.RecordBackendOperation("s3", "unlink", time.Since(start), err)
	return err
}

func (b *Backend) unlink(ctx context.Context, path string) error {
	keys, err := b.subtreeKeys(ctx, path)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return fmt.Errorf("unlink %s: %w", path, backend.ErrNotFound)
	}
	for _, k := range keys {
		if _, err := b.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(k),
		}); err != nil {
			return fmt.Errorf("unlink %s: delete %s: %w", path, k, err)
		}
	}
	return nil
}

// subtreeKeys lists the object keys belonging to path: the object at
// the key itself, the directory marker and everything underneath.
func (b *Backend) subtreeKeys(ctx context.Context, path string) ([]string, error) {
	var keys []string
	key := b.key(path)

	if _, err := b.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}); err == nil {
		keys = append(keys, key)
	} else if !isNotFound(err) {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}

	paginator := awss3.NewListObjectsV2Paginator(b.client, &awss3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(key + "/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", path, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (b *Backend) WatchPath(ctx context.Context, path string) error {
	return b.scanner.watch(path)
}

func (b *Backend) UnwatchPath(ctx context.Context, path string) error {
	return b.scanner.unwatch(path)
}

func (b *Backend) UnwatchAll(ctx context.Context) error {
	b.scanner.unwatchAll()
	return nil
}

func (b *Backend) ShowOpenDialog(ctx context.Context, opts backend.OpenDialogOptions) ([]string, error) {
	return nil, backend.ErrNotSupported
}

func (b *Backend) ShowSaveDialog(ctx context.Context, opts backend.SaveDialogOptions) (string, error) {
	return "", backend.ErrNotSupported
}

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{RecursiveWatch: true}
}

func (b *Backend) Close() error {
	b.scanner.stop()
	return nil
}
