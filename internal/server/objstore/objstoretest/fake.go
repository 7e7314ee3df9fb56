// Package objstoretest provides an in-memory S3 stand-in implementing
// objstore.API for tests.
package objstoretest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

type object struct {
	data        []byte
	contentType string
	modTime     time.Time
}

type upload struct {
	bucket, key string
	contentType string
	parts       map[int32][]byte
}

// Fake stores objects per bucket. FailOn, when set, is called before every
// operation with the operation name and key ("" for bucket-level calls); a
// non-nil result is returned as the operation's error. It runs without the
// fake's lock held, so it may block.
type Fake struct {
	mu       sync.Mutex
	buckets  map[string]map[string]*object
	uploads  map[string]*upload
	nextID   int
	Now      func() time.Time
	PageSize int32

	// NoCopy makes CopyObject answer NotImplemented.
	NoCopy bool
	FailOn func(op, key string) error

	calls map[string]int
}

func NewFake(buckets ...string) *Fake {
	f := &Fake{
		buckets: map[string]map[string]*object{},
		uploads: map[string]*upload{},
		calls:   map[string]int{},
		Now:     time.Now,
	}
	for _, b := range buckets {
		f.buckets[b] = map[string]*object{}
	}
	return f
}

func APIError(code, msg string) error {
	return &smithy.GenericAPIError{Code: code, Message: msg}
}

// Seed stores data under bucket/key.
func (f *Fake) Seed(bucket, key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.buckets[bucket] == nil {
		f.buckets[bucket] = map[string]*object{}
	}
	f.buckets[bucket][key] = &object{data: append([]byte(nil), data...), modTime: f.Now()}
}

func (f *Fake) Object(bucket, key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.buckets[bucket][key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), o.data...), true
}

func (f *Fake) ContentType(bucket, key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.buckets[bucket][key]; ok {
		return o.contentType
	}
	return ""
}

// Keys returns the sorted keys of bucket.
func (f *Fake) Keys(bucket string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.buckets[bucket]))
	for k := range f.buckets[bucket] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Calls reports how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Fake) enter(ctx context.Context, op, key string) error {
	f.mu.Lock()
	f.calls[op]++
	hook := f.FailOn
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if hook != nil {
		return hook(op, key)
	}
	return nil
}

func (f *Fake) bucket(name string) (map[string]*object, error) {
	b, ok := f.buckets[name]
	if !ok {
		return nil, APIError("NoSuchBucket", "The specified bucket does not exist")
	}
	return b, nil
}

func (f *Fake) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	key := aws.ToString(in.Key)
	if err := f.enter(ctx, "PutObject", key); err != nil {
		return nil, err
	}
	var data []byte
	if in.Body != nil {
		var err error
		if data, err = io.ReadAll(in.Body); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	b, err := f.bucket(aws.ToString(in.Bucket))
	if err != nil {
		return nil, err
	}
	b[key] = &object{data: data, contentType: aws.ToString(in.ContentType), modTime: f.Now()}
	return &s3.PutObjectOutput{ETag: aws.String(etag(data))}, nil
}

func (f *Fake) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	key := aws.ToString(in.Key)
	if err := f.enter(ctx, "CreateMultipartUpload", key); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.bucket(aws.ToString(in.Bucket)); err != nil {
		return nil, err
	}
	f.nextID++
	id := fmt.Sprintf("upload-%d", f.nextID)
	f.uploads[id] = &upload{
		bucket:      aws.ToString(in.Bucket),
		key:         key,
		contentType: aws.ToString(in.ContentType),
		parts:       map[int32][]byte{},
	}
	return &s3.CreateMultipartUploadOutput{Bucket: in.Bucket, Key: in.Key, UploadId: aws.String(id)}, nil
}

func (f *Fake) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	if err := f.enter(ctx, "UploadPart", aws.ToString(in.Key)); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.uploads[aws.ToString(in.UploadId)]
	if !ok {
		return nil, APIError("NoSuchUpload", "upload not found")
	}
	u.parts[aws.ToInt32(in.PartNumber)] = data
	return &s3.UploadPartOutput{ETag: aws.String(etag(data))}, nil
}

func (f *Fake) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	if err := f.enter(ctx, "CompleteMultipartUpload", aws.ToString(in.Key)); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.ToString(in.UploadId)
	u, ok := f.uploads[id]
	if !ok {
		return nil, APIError("NoSuchUpload", "upload not found")
	}
	nums := make([]int, 0, len(u.parts))
	for n := range u.parts {
		nums = append(nums, int(n))
	}
	sort.Ints(nums)
	var buf bytes.Buffer
	for _, n := range nums {
		buf.Write(u.parts[int32(n)])
	}
	delete(f.uploads, id)
	f.buckets[u.bucket][u.key] = &object{data: buf.Bytes(), contentType: u.contentType, modTime: f.Now()}
	return &s3.CompleteMultipartUploadOutput{Bucket: in.Bucket, Key: in.Key}, nil
}

func (f *Fake) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["AbortMultipartUpload"]++
	delete(f.uploads, aws.ToString(in.UploadId))
	return &s3.AbortMultipartUploadOutput{}, nil
}

// PendingUploads counts multipart uploads neither completed nor aborted.
func (f *Fake) PendingUploads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

// ListObjectsV2 honours Prefix, Delimiter, MaxKeys (or PageSize) and
// continuation tokens. The token is the last key or common prefix returned.
func (f *Fake) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	prefix := aws.ToString(in.Prefix)
	if err := f.enter(ctx, "ListObjectsV2", prefix); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	b, err := f.bucket(aws.ToString(in.Bucket))
	if err != nil {
		return nil, err
	}

	limit := aws.ToInt32(in.MaxKeys)
	if limit <= 0 {
		limit = f.PageSize
	}
	if limit <= 0 {
		limit = 1000
	}
	delim := aws.ToString(in.Delimiter)
	after := aws.ToString(in.ContinuationToken)

	keys := make([]string, 0, len(b))
	for k := range b {
		if strings.HasPrefix(k, prefix) && k > after {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{Name: in.Bucket, Prefix: in.Prefix}
	var n int32
	last := ""
	seen := map[string]bool{}
	for _, k := range keys {
		if delim != "" && after != "" && strings.HasSuffix(after, delim) && strings.HasPrefix(k, after) {
			continue
		}
		if n == limit {
			out.IsTruncated = aws.Bool(true)
			out.NextContinuationToken = aws.String(last)
			break
		}
		if delim != "" {
			if i := strings.Index(k[len(prefix):], delim); i >= 0 {
				cp := k[:len(prefix)+i+len(delim)]
				if seen[cp] {
					continue
				}
				seen[cp] = true
				out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(cp)})
				n++
				last = cp
				continue
			}
		}
		o := b[k]
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(k),
			Size:         aws.Int64(int64(len(o.data))),
			LastModified: aws.Time(o.modTime),
			ETag:         aws.String(etag(o.data)),
		})
		n++
		last = k
	}
	if out.IsTruncated == nil {
		out.IsTruncated = aws.Bool(false)
	}
	out.KeyCount = aws.Int32(n)
	return out, nil
}

func (f *Fake) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	key := aws.ToString(in.Key)
	if err := f.enter(ctx, "GetObject", key); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	b, err := f.bucket(aws.ToString(in.Bucket))
	if err != nil {
		return nil, err
	}
	o, ok := b[key]
	if !ok {
		return nil, APIError("NoSuchKey", "The specified key does not exist.")
	}
	data := append([]byte(nil), o.data...)
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(o.contentType),
		LastModified:  aws.Time(o.modTime),
	}, nil
}

func (f *Fake) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	key := aws.ToString(in.Key)
	if err := f.enter(ctx, "HeadObject", key); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.buckets[aws.ToString(in.Bucket)]
	if !ok {
		return nil, APIError("NotFound", "Not Found")
	}
	o, ok := b[key]
	if !ok {
		return nil, APIError("NotFound", "Not Found")
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(o.data))),
		ContentType:   aws.String(o.contentType),
		LastModified:  aws.Time(o.modTime),
	}, nil
}

func (f *Fake) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if err := f.enter(ctx, "HeadBucket", ""); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.buckets[aws.ToString(in.Bucket)]; !ok {
		return nil, APIError("NotFound", "Not Found")
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *Fake) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	key := aws.ToString(in.Key)
	if err := f.enter(ctx, "DeleteObject", key); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	b, err := f.bucket(aws.ToString(in.Bucket))
	if err != nil {
		return nil, err
	}
	delete(b, key)
	return &s3.DeleteObjectOutput{}, nil
}

func (f *Fake) CopyObject(ctx context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	srcBucket, escaped, _ := strings.Cut(aws.ToString(in.CopySource), "/")
	srcKey, err := url.PathUnescape(escaped)
	if err != nil {
		return nil, APIError("InvalidArgument", "bad copy source")
	}
	if err := f.enter(ctx, "CopyObject", srcKey); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NoCopy {
		return nil, APIError("NotImplemented", "A header you provided implies functionality that is not implemented")
	}
	sb, err := f.bucket(srcBucket)
	if err != nil {
		return nil, err
	}
	o, ok := sb[srcKey]
	if !ok {
		return nil, APIError("NoSuchKey", "The specified key does not exist.")
	}
	db, err := f.bucket(aws.ToString(in.Bucket))
	if err != nil {
		return nil, err
	}
	db[aws.ToString(in.Key)] = &object{data: append([]byte(nil), o.data...), contentType: o.contentType, modTime: f.Now()}
	return &s3.CopyObjectOutput{}, nil
}

func etag(data []byte) string {
	return fmt.Sprintf("\"%x\"", len(data))
}
