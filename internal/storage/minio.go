package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spf13/afero"
)

// MinioConfig encapsulates the connection info for an S3-compatible bucket.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// MinioClient implements ObjectStorage on one bucket. Directories are key
// prefixes; an empty "<dir>/" object marks a directory created by WriteContent.
type MinioClient struct {
	client *minio.Client
	bucket string
	local  afero.Fs
}

// NewMinioClient builds a client for cfg.Bucket. local receives materialized
// copies; nil means the OS filesystem.
func NewMinioClient(cfg MinioConfig, local afero.Fs) (*MinioClient, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint must be provided")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("minio credentials must be provided")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("minio bucket must be provided")
	}

	endpoint := cfg.Endpoint
	secure := cfg.UseSSL
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		endpoint, secure = strings.TrimPrefix(endpoint, "https://"), true
	case strings.HasPrefix(endpoint, "http://"):
		endpoint, secure = strings.TrimPrefix(endpoint, "http://"), false
	}
	endpoint = strings.TrimSuffix(strings.TrimPrefix(endpoint, "//"), "/")

	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	if local == nil {
		local = afero.NewOsFs()
	}
	return &MinioClient{client: client, bucket: cfg.Bucket, local: local}, nil
}

func prefixOf(dir string) string {
	dir = cleanDir(dir)
	if dir == "" {
		return ""
	}
	return dir + "/"
}

// ListFiles lists the objects directly under dir.
func (c *MinioClient) ListFiles(ctx context.Context, dir string) ([]ObjectInfo, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	prefix := prefixOf(dir)
	results := make([]ObjectInfo, 0)
	for object := range c.client.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if object.Err != nil {
			return nil, fmt.Errorf("minio list %s failed: %w", prefix, object.Err)
		}
		if strings.HasSuffix(object.Key, "/") {
			continue
		}
		results = append(results, ObjectInfo{
			Key:  object.Key,
			Name: strings.TrimPrefix(object.Key, prefix),
			Size: object.Size,
		})
	}
	return results, nil
}

func (c *MinioClient) GetContent(ctx context.Context, dir, name string) ([]byte, error) {
	key := objectKey(dir, name)
	object, err := c.client.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, c.wrap("get", key, err)
	}
	defer object.Close()

	content, err := io.ReadAll(object)
	if err != nil {
		return nil, c.wrap("read", key, err)
	}
	return content, nil
}

func (c *MinioClient) MaterializeToLocal(ctx context.Context, dir, name, localPath string) ([]byte, error) {
	content, err := c.GetContent(ctx, dir, name)
	if err != nil {
		return nil, err
	}
	if err := writeLocal(c.local, localPath, content); err != nil {
		return nil, err
	}
	return content, nil
}

func (c *MinioClient) WriteContent(ctx context.Context, dir, name string, content []byte) error {
	exists, err := c.DirectoryExists(ctx, dir)
	if err != nil {
		return err
	}
	if !exists {
		if _, err := c.client.PutObject(ctx, c.bucket, prefixOf(dir), bytes.NewReader(nil), 0, minio.PutObjectOptions{}); err != nil {
			return c.wrap("create directory", prefixOf(dir), err)
		}
	}

	key := objectKey(dir, name)
	_, err = c.client.PutObject(ctx, c.bucket, key, bytes.NewReader(content), int64(len(content)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return c.wrap("put", key, err)
	}
	return nil
}

func (c *MinioClient) Delete(ctx context.Context, dir, name string) error {
	key := objectKey(dir, name)
	if _, err := c.client.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{}); err != nil {
		return c.wrap("stat", key, err)
	}
	if err := c.client.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return c.wrap("delete", key, err)
	}
	return nil
}

// DirectoryExists reports whether any object lives under dir. The bucket root
// always exists.
func (c *MinioClient) DirectoryExists(ctx context.Context, dir string) (bool, error) {
	prefix := prefixOf(dir)
	if prefix == "" {
		return c.client.BucketExists(ctx, c.bucket)
	}
	// stop the listing goroutine after the first object
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	opts := minio.ListObjectsOptions{Prefix: prefix, MaxKeys: 1}
	for object := range c.client.ListObjects(ctx, c.bucket, opts) {
		if object.Err != nil {
			return false, fmt.Errorf("minio list %s failed: %w", prefix, object.Err)
		}
		return true, nil
	}
	return false, nil
}

func (c *MinioClient) wrap(op, key string, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("minio %s %s/%s: %w", op, c.bucket, key, ErrNotFound)
	}
	return fmt.Errorf("minio %s %s/%s failed: %w", op, c.bucket, key, err)
}

var _ ObjectStorage = (*MinioClient)(nil)
