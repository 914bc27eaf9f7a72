// Package s3 fetches serving-stack bundles from object storage. A
// bundle is the installer archive uploaded next to each supported
// runtime version.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// ErrBundleNotFound signals the requested object does not exist.
var ErrBundleNotFound = errors.New("bundle not found in object storage")

// objectGetter is the slice of the S3 API the client needs.
type objectGetter interface {
	GetObject(ctx context.Context, params *awss3.GetObjectInput, optFns ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
}

// Client downloads bundles from an S3 bucket.
type Client struct {
	api objectGetter
}

// NewClient builds a client from the ambient AWS configuration chain.
func NewClient(ctx context.Context, region string) (*Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &Client{api: awss3.NewFromConfig(cfg)}, nil
}

// NewClientWithAPI wires a pre-built API, used by tests.
func NewClientWithAPI(api objectGetter) *Client {
	return &Client{api: api}
}

// Download fetches bucket/key into destDir and returns the local path.
// The file keeps the object's base name.
func (c *Client) Download(ctx context.Context, bucket, key, destDir string) (string, error) {
	out, err := c.api.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return "", fmt.Errorf("%w: s3://%s/%s", ErrBundleNotFound, bucket, key)
		}
		return "", fmt.Errorf("failed to fetch s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	path := filepath.Join(destDir, filepath.Base(key))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, out.Body); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}

// isNoSuchKey checks for the typed error first, then falls back to API
// error codes for S3-compatible services.
func isNoSuchKey(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}

	return false
}
