// Package storage wraps S3-compatible object storage for task artifacts.
// Provider outputs are transferred into the bucket so results survive the
// short-lived URLs upstream services hand out.
package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "atelier/pkg/config"
	"atelier/pkg/logging"
)

// S3Config holds configuration for the S3 client
type S3Config struct {
	Bucket    string // S3 bucket name
	Prefix    string // Key prefix for all operations
	Region    string // AWS region (default: us-east-1)
	Endpoint  string // Custom endpoint for S3-compatible storage (MinIO, etc.)
	AccessKey string // AWS access key (optional, uses IAM roles if empty)
	SecretKey string // AWS secret key (optional, uses IAM roles if empty)
}

// S3Client provides artifact storage operations against a single bucket.
type S3Client struct {
	client        *s3.Client
	presignClient *s3.PresignClient
	config        S3Config
	logger        logging.Logger
}

// NewS3Client creates a new S3 client with the given configuration.
func NewS3Client(cfg S3Config, logger logging.Logger) (*S3Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket is required")
	}

	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))

	// Use explicit credentials if provided, otherwise use default credential chain (IAM roles)
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO and most S3-compatible storage
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)

	logger.WithFields(logging.Fields{
		"bucket":   cfg.Bucket,
		"prefix":   cfg.Prefix,
		"region":   cfg.Region,
		"endpoint": cfg.Endpoint,
	}).Info("S3 client initialized")

	return &S3Client{
		client:        client,
		presignClient: s3.NewPresignClient(client),
		config:        cfg,
		logger:        logger,
	}, nil
}

// fullKey returns the full S3 key including prefix
func (c *S3Client) fullKey(key string) string {
	if c.config.Prefix == "" {
		return key
	}
	return strings.TrimSuffix(c.config.Prefix, "/") + "/" + strings.TrimPrefix(key, "/")
}

// Put streams an object into the bucket and returns its stored URL.
func (c *S3Client) Put(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	fullKey := c.fullKey(key)

	input := &s3.PutObjectInput{
		Bucket: aws.String(c.config.Bucket),
		Key:    aws.String(fullKey),
		Body:   body,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := c.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}

	c.logger.WithFields(logging.Fields{
		"bucket":       c.config.Bucket,
		"key":          fullKey,
		"content_type": contentType,
	}).Info("Uploaded object to S3")

	return c.ObjectURL(key), nil
}

// Delete removes an object from the bucket.
func (c *S3Client) Delete(ctx context.Context, key string) error {
	fullKey := c.fullKey(key)

	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.config.Bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		return fmt.Errorf("failed to delete from S3: %w", err)
	}

	return nil
}

// KeyFromStoredURL recovers the object key from a stored s3:// URL. Returns
// false for URLs pointing at other buckets or schemes.
func (c *S3Client) KeyFromStoredURL(storedURL string) (string, bool) {
	bucketPrefix := "s3://" + c.config.Bucket + "/"
	if !strings.HasPrefix(storedURL, bucketPrefix) {
		return "", false
	}
	key := strings.TrimPrefix(storedURL, bucketPrefix)
	if c.config.Prefix != "" {
		key = strings.TrimPrefix(key, strings.TrimSuffix(c.config.Prefix, "/")+"/")
	}
	return key, true
}

// PresignStoredURL converts a stored s3:// URL into a time-limited download
// URL. URLs outside the configured bucket pass through unchanged.
func (c *S3Client) PresignStoredURL(storedURL string, expiry time.Duration) (string, error) {
	key, ok := c.KeyFromStoredURL(storedURL)
	if !ok {
		return storedURL, nil
	}
	return c.GeneratePresignedGET(key, expiry)
}

// GeneratePresignedGET generates a time-limited download URL for an artifact
// so API clients can fetch results without bucket credentials.
func (c *S3Client) GeneratePresignedGET(key string, expiry time.Duration) (string, error) {
	if expiry == 0 {
		expiry = 15 * time.Minute
	}

	fullKey := c.fullKey(key)

	req, err := c.presignClient.PresignGetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(c.config.Bucket),
		Key:    aws.String(fullKey),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned GET URL: %w", err)
	}

	return req.URL, nil
}

// Probe verifies the bucket is reachable. Used by the health check.
func (c *S3Client) Probe(ctx context.Context) error {
	_, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(c.config.Bucket),
	})
	if err != nil {
		return fmt.Errorf("bucket %s unreachable: %w", c.config.Bucket, err)
	}
	return nil
}

// ObjectURL returns the stored s3:// URL for an object (for storage in database)
func (c *S3Client) ObjectURL(key string) string {
	return fmt.Sprintf("s3://%s/%s", c.config.Bucket, c.fullKey(key))
}

// Bucket returns the configured bucket name
func (c *S3Client) Bucket() string {
	return c.config.Bucket
}

// S3ConfigFromEnv reads the bucket settings from the environment.
func S3ConfigFromEnv() S3Config {
	return S3Config{
		Bucket:    appconfig.GetEnv("S3_BUCKET", ""),
		Prefix:    appconfig.GetEnv("S3_PREFIX", ""),
		Region:    appconfig.GetEnv("S3_REGION", "us-east-1"),
		Endpoint:  appconfig.GetEnv("S3_ENDPOINT", ""),
		AccessKey: appconfig.GetEnv("S3_ACCESS_KEY", ""),
		SecretKey: appconfig.GetEnv("S3_SECRET_KEY", ""),
	}
}
