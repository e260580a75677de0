// Package storage writes run archives to an S3-compatible bucket (MinIO in
// development).
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/chainguard-dev/clog"

	"judge-console/internal/config"
)

type Client struct {
	s3     *s3.Client
	bucket string
}

func New(ctx context.Context, cfg config.Storage) (*Client, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("storage endpoint and bucket are required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(
		ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	endpoint := endpointURL(cfg.Endpoint)
	s3c := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})
	return &Client{s3: s3c, bucket: cfg.Bucket}, nil
}

// endpointURL accepts either host:port or a full URL.
func endpointURL(endpoint string) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	return "http://" + endpoint
}

// RunKey is the object key a finished run is archived under.
func RunKey(runID string) string {
	return fmt.Sprintf("runs/%s.json", runID)
}

// PutJSON stores v as JSON under key and returns its s3:// reference.
func (c *Client) PutJSON(ctx context.Context, key string, v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	_, err = c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &c.bucket,
		Key:         &key,
		Body:        bytes.NewReader(b),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	ref := fmt.Sprintf("s3://%s/%s", c.bucket, key)
	clog.FromContext(ctx).Debug("stored object", "ref", ref, "bytes", len(b))
	return ref, nil
}

// GetJSON decodes the object at ref, an s3:// reference or a bare key, into v.
func (c *Client) GetJSON(ctx context.Context, ref string, v any) error {
	key := ref
	if strings.HasPrefix(ref, "s3://") {
		bucket, k, err := ParseRef(ref)
		if err != nil {
			return err
		}
		if bucket != c.bucket {
			return fmt.Errorf("ref %q is not in bucket %q", ref, c.bucket)
		}
		key = k
	}
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &c.bucket,
		Key:    &key,
	})
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	defer out.Body.Close()
	if err := json.NewDecoder(out.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// ParseRef splits an s3://bucket/key reference.
func ParseRef(ref string) (bucket, key string, err error) {
	const p = "s3://"
	if !strings.HasPrefix(ref, p) {
		return "", "", fmt.Errorf("bad s3 ref (missing s3://): %q", ref)
	}
	s := strings.TrimPrefix(ref, p)
	slash := strings.IndexByte(s, '/')
	if slash <= 0 || slash == len(s)-1 {
		return "", "", fmt.Errorf("bad s3 ref (need bucket/key): %q", ref)
	}
	return s[:slash], s[slash+1:], nil
}
