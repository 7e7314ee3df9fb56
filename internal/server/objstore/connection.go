package objstore

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dmitrijs2005/notebookhub/internal/server/models"
)

// ConnectionKind classifies a connection test outcome.
type ConnectionKind string

const (
	ConnOK                 ConnectionKind = "ok"
	ConnBucketNotFound     ConnectionKind = "bucket-not-found"
	ConnAccessDenied       ConnectionKind = "access-denied"
	ConnInvalidCredentials ConnectionKind = "invalid-credentials"
	ConnError              ConnectionKind = "connection-error"
	ConnUnknown            ConnectionKind = "unknown"
)

var connMessages = map[ConnectionKind]string{
	ConnOK:                 "Connection successful.",
	ConnBucketNotFound:     "The bucket does not exist. Check the bucket name.",
	ConnAccessDenied:       "Access denied. The credentials are valid but lack permission for this bucket.",
	ConnInvalidCredentials: "Invalid credentials. Check the access key and secret key.",
	ConnError:              "Cannot reach the storage endpoint. Check the endpoint URL and network.",
}

type ConnectionResult struct {
	OK      bool           `json:"ok"`
	Kind    ConnectionKind `json:"kind"`
	Message string         `json:"message"`
}

// Diagnose turns a storage error into a ConnectionResult. Unclassified
// errors keep their raw message.
func Diagnose(err error) ConnectionResult {
	kind := ConnUnknown
	switch {
	case err == nil:
		kind = ConnOK
	case errors.Is(err, ErrBucketNotFound):
		kind = ConnBucketNotFound
	case errors.Is(err, ErrInvalidCredentials):
		kind = ConnInvalidCredentials
	case errors.Is(err, ErrAccessDenied):
		kind = ConnAccessDenied
	case errors.Is(err, ErrConnection):
		kind = ConnError
	}
	if msg, ok := connMessages[kind]; ok {
		return ConnectionResult{OK: err == nil, Kind: kind, Message: msg}
	}
	return ConnectionResult{Kind: kind, Message: err.Error()}
}

// TestConnection checks that the bucket exists and is reachable with the
// client's credentials. HEAD responses carry no error body, so a 403 is
// probed once more with a one-key listing whose error code tells bad
// credentials apart from missing permissions.
func (c *Client) TestConnection(ctx context.Context) ConnectionResult {
	err := c.HeadBucket(ctx)
	if errors.Is(err, ErrAccessDenied) {
		_, lerr := c.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:  aws.String(c.bucket),
			MaxKeys: aws.Int32(1),
		})
		if lerr == nil {
			return Diagnose(nil)
		}
		if werr := wrap("ListObjectsV2", c.bucket, "", lerr); errors.Is(werr, ErrInvalidCredentials) {
			err = werr
		}
	}
	return Diagnose(err)
}

// TestConnection builds a client for cfg and tests it.
func TestConnection(ctx context.Context, cfg models.StorageConfig) ConnectionResult {
	c, err := New(ctx, cfg)
	if err != nil {
		return Diagnose(err)
	}
	return c.TestConnection(ctx)
}
