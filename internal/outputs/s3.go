package outputs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Options configures the object-storage uploader. EndpointURL accepts any
// S3-compatible endpoint.
type S3Options struct {
	EndpointURL     string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Uploader stores assets in an S3-compatible bucket and returns public
// object URLs.
type S3Uploader struct {
	client   *s3.Client
	bucket   string
	endpoint string
}

// NewS3Uploader builds an uploader against the configured endpoint.
func NewS3Uploader(ctx context.Context, opts S3Options) (*S3Uploader, error) {
	endpoint := strings.TrimRight(opts.EndpointURL, "/")
	if endpoint == "" {
		return nil, errors.New("s3: endpoint url is required")
	}
	if opts.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	return &S3Uploader{client: client, bucket: opts.Bucket, endpoint: endpoint}, nil
}

// Upload stores the bytes under <jobID>/<filename> and returns the object
// URL.
func (u *S3Uploader) Upload(ctx context.Context, jobID, filename string, data []byte) (string, error) {
	key := jobID + "/" + filename

	contentType := mime.TypeByExtension(filepath.Ext(filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("s3: put object %s: %w", key, err)
	}

	return fmt.Sprintf("%s/%s/%s", u.endpoint, u.bucket, key), nil
}

var _ Uploader = (*S3Uploader)(nil)
