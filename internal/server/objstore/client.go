// Package objstore adapts an S3-compatible bucket to the operations the
// transfer engine needs: listing, streamed reads and writes, delete, copy and
// connection tests. Every call is timed into the S3 operation metrics and
// failures come back as *Error values wrapping this package's sentinels.
package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gabriel-vasile/mimetype"

	"github.com/dmitrijs2005/notebookhub/internal/server/metrics"
	"github.com/dmitrijs2005/notebookhub/internal/server/models"
)

const (
	DefaultRegion = "us-east-1"

	// sniffLen is how much of a body is inspected to detect its type.
	sniffLen = 3072
)

// API is the subset of *s3.Client the adapter uses.
type API interface {
	manager.UploadAPIClient
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
}

var _ API = (*s3.Client)(nil)

var (
	loadDefaultAWSConfig = awsconfig.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) API {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

// Object describes a key, or a folder when IsDir is set. Name is the key
// relative to the listed prefix.
type Object struct {
	Key          string
	Name         string
	Size         int64
	LastModified time.Time
	ContentType  string
	IsDir        bool
}

type Client struct {
	api      API
	bucket   string
	partSize int64
	uploader *manager.Uploader
}

type Option func(*Client)

// WithPartSize sets the multipart chunk size. Values below the S3 minimum
// of 5 MiB are raised to it.
func WithPartSize(n int64) Option {
	return func(c *Client) { c.partSize = n }
}

// New builds a client for cfg. A custom endpoint switches to path-style
// addressing, which most S3-compatible servers need. Without an access key
// the default AWS credential chain is used.
func New(ctx context.Context, cfg models.StorageConfig, opts ...Option) (*Client, error) {
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = DefaultRegion
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(aws.NewCredentialsCache(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""))))
	}

	awsCfg, err := loadDefaultAWSConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	api := newS3ClientFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return NewWithAPI(api, cfg.Bucket, opts...), nil
}

// NewWithAPI wraps an existing API implementation.
func NewWithAPI(api API, bucket string, opts ...Option) *Client {
	c := &Client{api: api, bucket: bucket, partSize: manager.DefaultUploadPartSize}
	for _, o := range opts {
		o(c)
	}
	if c.partSize < manager.MinUploadPartSize {
		c.partSize = manager.MinUploadPartSize
	}
	c.uploader = manager.NewUploader(api, func(u *manager.Uploader) {
		u.PartSize = c.partSize
		u.Concurrency = 1
	})
	return c
}

func (c *Client) Bucket() string { return c.bucket }

// PartSize is the effective upload chunk size.
func (c *Client) PartSize() int64 { return c.partSize }

func observe(op string, start time.Time, err error) {
	metrics.RecordS3Operation(op, time.Since(start), err == nil)
}

func (c *Client) HeadBucket(ctx context.Context) (err error) {
	defer func(start time.Time) { observe("HeadBucket", start, err) }(time.Now())

	_, err = c.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	return wrap("HeadBucket", c.bucket, "", err)
}

// List returns the objects under prefix. Non-recursive listings group
// deeper keys into folder entries; the folder placeholder for prefix itself
// is skipped.
func (c *Client) List(ctx context.Context, prefix string, recursive bool) ([]Object, error) {
	in := &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	}
	if !recursive {
		in.Delimiter = aws.String("/")
	}

	var out []Object
	err := c.pages(ctx, in, func(page *s3.ListObjectsV2Output) error {
		for _, cp := range page.CommonPrefixes {
			key := aws.ToString(cp.Prefix)
			out = append(out, Object{Key: key, Name: strings.TrimPrefix(key, prefix), IsDir: true})
		}
		for _, o := range page.Contents {
			key := aws.ToString(o.Key)
			if key == prefix {
				continue
			}
			out = append(out, Object{
				Key:          key,
				Name:         strings.TrimPrefix(key, prefix),
				Size:         aws.ToInt64(o.Size),
				LastModified: aws.ToTime(o.LastModified),
				IsDir:        strings.HasSuffix(key, "/"),
			})
		}
		return nil
	})
	return out, err
}

// Walk calls fn for every object below prefix in key order, skipping
// zero-byte folder placeholders. An error from fn stops the walk and is
// returned unchanged.
func (c *Client) Walk(ctx context.Context, prefix string, fn func(Object) error) error {
	in := &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	}
	return c.pages(ctx, in, func(page *s3.ListObjectsV2Output) error {
		for _, o := range page.Contents {
			key := aws.ToString(o.Key)
			size := aws.ToInt64(o.Size)
			if strings.HasSuffix(key, "/") && size == 0 {
				continue
			}
			err := fn(Object{
				Key:          key,
				Name:         strings.TrimPrefix(key, prefix),
				Size:         size,
				LastModified: aws.ToTime(o.LastModified),
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// pages drives the paginator. Errors returned by fn are passed through.
func (c *Client) pages(ctx context.Context, in *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output) error) error {
	p := s3.NewListObjectsV2Paginator(c.api, in)
	for p.HasMorePages() {
		start := time.Now()
		page, err := p.NextPage(ctx)
		observe("ListObjectsV2", start, err)
		if err != nil {
			return wrap("ListObjectsV2", c.bucket, aws.ToString(in.Prefix), err)
		}
		if err := fn(page); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) Stat(ctx context.Context, key string) (obj Object, err error) {
	defer func(start time.Time) { observe("HeadObject", start, err) }(time.Now())

	out, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return Object{}, wrap("HeadObject", c.bucket, key, err)
	}
	return Object{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		LastModified: aws.ToTime(out.LastModified),
		ContentType:  aws.ToString(out.ContentType),
	}, nil
}

// Open streams an object. The caller closes the body.
func (c *Client) Open(ctx context.Context, key string) (body io.ReadCloser, obj Object, err error) {
	defer func(start time.Time) { observe("GetObject", start, err) }(time.Now())

	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, Object{}, wrap("GetObject", c.bucket, key, err)
	}
	return out.Body, Object{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		LastModified: aws.ToTime(out.LastModified),
		ContentType:  aws.ToString(out.ContentType),
	}, nil
}

// Put streams body to key through the multipart uploader, buffering at most
// one part at a time. An empty contentType is detected from the first bytes.
func (c *Client) Put(ctx context.Context, key string, body io.Reader, contentType string) (err error) {
	defer func(start time.Time) { observe("Upload", start, err) }(time.Now())

	if contentType == "" {
		head := make([]byte, sniffLen)
		n, rerr := io.ReadFull(body, head)
		if rerr != nil && !errors.Is(rerr, io.EOF) && !errors.Is(rerr, io.ErrUnexpectedEOF) {
			return wrap("Upload", c.bucket, key, rerr)
		}
		head = head[:n]
		contentType = mimetype.Detect(head).String()
		body = io.MultiReader(bytes.NewReader(head), body)
	}

	_, err = c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	return wrap("Upload", c.bucket, key, err)
}

func (c *Client) Delete(ctx context.Context, key string) (err error) {
	defer func(start time.Time) { observe("DeleteObject", start, err) }(time.Now())

	_, err = c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	return wrap("DeleteObject", c.bucket, key, err)
}

// Copy duplicates src to dst server-side. Backends that do not implement
// CopyObject get a client-side read and re-upload instead.
func (c *Client) Copy(ctx context.Context, src, dst string) error {
	err := c.copyObject(ctx, src, dst)
	if !errors.Is(err, ErrNotImplemented) {
		return err
	}

	body, obj, err := c.Open(ctx, src)
	if err != nil {
		return err
	}
	defer body.Close()
	return c.Put(ctx, dst, body, obj.ContentType)
}

func (c *Client) copyObject(ctx context.Context, src, dst string) (err error) {
	defer func(start time.Time) { observe("CopyObject", start, err) }(time.Now())

	_, err = c.api.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(c.bucket),
		Key:        aws.String(dst),
		CopySource: aws.String(copySource(c.bucket, src)),
	})
	return wrap("CopyObject", c.bucket, src, err)
}

// copySource escapes each key segment but keeps the separators.
func copySource(bucket, key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return bucket + "/" + strings.Join(parts, "/")
}
