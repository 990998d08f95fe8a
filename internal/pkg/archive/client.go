// Package archive writes pruned records to S3 compatible object storage.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/quotaledger/internal/pkg/config"
)

var ErrDisabled = errors.New("archive bucket not configured")

// Client uploads archive objects below a key prefix in one bucket.
type Client struct {
	s3Client *s3.Client
	bucket   string
	prefix   string
}

// NewClient builds an S3 client from cfg. Static credentials are used when
// both keys are set, otherwise the default AWS credential chain.
func NewClient(ctx context.Context, cfg *config.ArchiveConfig) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, ErrDisabled
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			// S3 compatible services need path-style URLs
			o.UsePathStyle = true
		}
	})

	log.Infof("[Archive] Writing archives to s3://%s/%s", cfg.Bucket, cfg.Prefix)
	return &Client{
		s3Client: s3Client,
		bucket:   cfg.Bucket,
		prefix:   strings.TrimLeft(cfg.Prefix, "/"),
	}, nil
}

// Put stores body under the prefixed key and returns the full key.
func (c *Client) Put(ctx context.Context, key, contentType string, body []byte) (string, error) {
	objectKey := c.prefix + strings.TrimLeft(key, "/")
	_, err := c.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(objectKey),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(body))),
		Metadata: map[string]string{
			"upload-source": "quotaledger-retention",
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload s3://%s/%s: %w", c.bucket, objectKey, err)
	}
	log.Infof("[Archive] Uploaded s3://%s/%s (%d bytes)", c.bucket, objectKey, len(body))
	return objectKey, nil
}
