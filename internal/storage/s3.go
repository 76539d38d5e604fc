package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/spf13/afero"
)

// S3Config holds configuration for an S3 bucket.
type S3Config struct {
	Bucket string
	Region string
	// Endpoint overrides the AWS endpoint for S3-compatible providers.
	Endpoint     string
	UsePathStyle bool
	// Static credentials; empty uses the default AWS credential chain.
	AccessKey string
	SecretKey string
}

type s3API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Client implements ObjectStorage on one S3 bucket. Directories are implicit
// key prefixes.
type S3Client struct {
	api    s3API
	bucket string
	local  afero.Fs
}

func NewS3Client(ctx context.Context, cfg S3Config, local afero.Fs) (*S3Client, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket must be provided")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return newS3Client(s3.NewFromConfig(awsConfig, s3Opts...), cfg.Bucket, local), nil
}

func newS3Client(api s3API, bucket string, local afero.Fs) *S3Client {
	if local == nil {
		local = afero.NewOsFs()
	}
	return &S3Client{api: api, bucket: bucket, local: local}
}

// ListFiles lists the objects directly under dir.
func (c *S3Client) ListFiles(ctx context.Context, dir string) ([]ObjectInfo, error) {
	prefix := prefixOf(dir)
	paginator := s3.NewListObjectsV2Paginator(c.api, &s3.ListObjectsV2Input{
		Bucket:    aws.String(c.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	results := make([]ObjectInfo, 0)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list %s failed: %w", prefix, err)
		}
		for _, object := range page.Contents {
			key := aws.ToString(object.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			results = append(results, ObjectInfo{
				Key:  key,
				Name: strings.TrimPrefix(key, prefix),
				Size: aws.ToInt64(object.Size),
			})
		}
	}
	return results, nil
}

func (c *S3Client) GetContent(ctx context.Context, dir, name string) ([]byte, error) {
	key := objectKey(dir, name)
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, c.wrap("get", key, err)
	}
	defer out.Body.Close()

	content, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, c.wrap("read", key, err)
	}
	return content, nil
}

func (c *S3Client) MaterializeToLocal(ctx context.Context, dir, name, localPath string) ([]byte, error) {
	content, err := c.GetContent(ctx, dir, name)
	if err != nil {
		return nil, err
	}
	if err := writeLocal(c.local, localPath, content); err != nil {
		return nil, err
	}
	return content, nil
}

func (c *S3Client) WriteContent(ctx context.Context, dir, name string, content []byte) error {
	key := objectKey(dir, name)
	_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(content),
		ContentLength: aws.Int64(int64(len(content))),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return c.wrap("put", key, err)
	}
	return nil
}

func (c *S3Client) Delete(ctx context.Context, dir, name string) error {
	key := objectKey(dir, name)
	// DeleteObject succeeds for missing keys
	if _, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return c.wrap("head", key, err)
	}
	if _, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return c.wrap("delete", key, err)
	}
	return nil
}

func (c *S3Client) DirectoryExists(ctx context.Context, dir string) (bool, error) {
	prefix := prefixOf(dir)
	if prefix == "" {
		_, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
		if err != nil {
			if errors.Is(c.wrap("head bucket", "", err), ErrNotFound) {
				return false, nil
			}
			return false, fmt.Errorf("s3 head bucket %s failed: %w", c.bucket, err)
		}
		return true, nil
	}

	out, err := c.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(c.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, fmt.Errorf("s3 list %s failed: %w", prefix, err)
	}
	return len(out.Contents) > 0, nil
}

func (c *S3Client) wrap(op, key string, err error) error {
	var (
		noSuchKey *types.NoSuchKey
		notFound  *types.NotFound
		apiErr    smithy.APIError
	)
	switch {
	case errors.As(err, &noSuchKey), errors.As(err, &notFound):
		return fmt.Errorf("s3 %s %s/%s: %w", op, c.bucket, key, ErrNotFound)
	case errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchBucket"):
		return fmt.Errorf("s3 %s %s/%s: %w", op, c.bucket, key, ErrNotFound)
	}
	return fmt.Errorf("s3 %s %s/%s failed: %w", op, c.bucket, key, err)
}

var _ ObjectStorage = (*S3Client)(nil)
