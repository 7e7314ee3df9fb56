package objstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/dmitrijs2005/notebookhub/internal/common"
)

// Error is an object storage failure with the operation and location that
// produced it. Err wraps one of the package sentinels when the failure could
// be classified, plus the original SDK error.
type Error struct {
	Op     string
	Bucket string
	Key    string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Bucket != "" && e.Key != "":
		return fmt.Sprintf("s3.%s %s/%s: %v", e.Op, e.Bucket, e.Key, e.Err)
	case e.Bucket != "":
		return fmt.Sprintf("s3.%s bucket %s: %v", e.Op, e.Bucket, e.Err)
	default:
		return fmt.Sprintf("s3.%s: %v", e.Op, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// sentinel is a classified storage failure that also matches the common
// error kind it belongs to.
type sentinel struct {
	msg  string
	kind error
}

func (s *sentinel) Error() string { return s.msg }
func (s *sentinel) Unwrap() error { return s.kind }

var (
	ErrBucketNotFound     error = &sentinel{"s3: bucket not found", common.ErrConnection}
	ErrAccessDenied       error = &sentinel{"s3: access denied", common.ErrConnection}
	ErrInvalidCredentials error = &sentinel{"s3: invalid credentials", common.ErrConnection}
	ErrConnection         error = &sentinel{"s3: connection error", common.ErrConnection}
	ErrObjectNotFound     error = &sentinel{"s3: object not found", common.ErrorNotFound}
	ErrNotImplemented     error = &sentinel{"s3: not implemented", nil}
)

// wrap classifies err and attaches the operation context. Context
// cancellation passes through unclassified so callers can tell it apart.
func wrap(op, bucket, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Op: op, Bucket: bucket, Key: key, Err: err}
	}
	if s := classify(key, err); s != nil {
		err = fmt.Errorf("%w: %w", s, err)
	}
	return &Error{Op: op, Bucket: bucket, Key: key, Err: err}
}

// classify maps an SDK error to a sentinel, or nil. A bare 404 means the
// object when a key was involved and the bucket otherwise.
func classify(key string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket":
			return ErrBucketNotFound
		case "NoSuchKey":
			return ErrObjectNotFound
		case "NotFound":
			return notFound(key)
		case "AccessDenied", "Forbidden", "AllAccessDisabled", "AccountProblem":
			return ErrAccessDenied
		case "InvalidAccessKeyId", "SignatureDoesNotMatch", "InvalidToken", "ExpiredToken", "InvalidSecurity":
			return ErrInvalidCredentials
		case "NotImplemented", "XNotImplemented":
			return ErrNotImplemented
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusNotFound:
			return notFound(key)
		case http.StatusForbidden:
			return ErrAccessDenied
		case http.StatusNotImplemented:
			return ErrNotImplemented
		}
	}

	var sendErr *smithyhttp.RequestSendError
	if errors.As(err, &sendErr) {
		return ErrConnection
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrConnection
	}
	return nil
}

func notFound(key string) error {
	if key != "" {
		return ErrObjectNotFound
	}
	return ErrBucketNotFound
}
