package archive

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// S3Options configures an S3 or S3-compatible (Spaces, MinIO) bucket.
// Key and Secret fall back to the default AWS credential chain when empty.
type S3Options struct {
	Bucket   string
	Region   string
	Endpoint string
	Key      string
	Secret   string
}

type S3Sink struct {
	bucket   string
	uploader *s3manager.Uploader
}

func NewS3Sink(opts S3Options) (*S3Sink, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}

	awsConfig := aws.NewConfig()
	if opts.Region != "" {
		awsConfig = awsConfig.WithRegion(opts.Region)
	}
	if opts.Endpoint != "" {
		awsConfig = awsConfig.WithEndpoint(opts.Endpoint).WithS3ForcePathStyle(true)
	}
	if opts.Key != "" {
		awsConfig = awsConfig.WithCredentials(credentials.NewStaticCredentials(opts.Key, opts.Secret, ""))
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("creating AWS session: %w", err)
	}
	return &S3Sink{
		bucket:   opts.Bucket,
		uploader: s3manager.NewUploader(sess),
	}, nil
}

func (s *S3Sink) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("message/rfc822"),
	})
	return err
}
