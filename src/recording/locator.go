package recording

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// presignFunc returns a presigned URL for a GetObject request
type presignFunc func(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (string, error)

// Locator hands out time-limited download links for recordings
type Locator struct {
	presign presignFunc
	bucket  string
	ttl     time.Duration
}

// NewLocator creates a locator for the recordings bucket
func NewLocator(ctx context.Context, cfg S3Config, ttl time.Duration) (*Locator, error) {
	if !cfg.configured() {
		return nil, ErrNotConfigured
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.Secret, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewPresignClient(s3.NewFromConfig(awsCfg))
	return newLocator(cfg.Bucket, ttl, func(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (string, error) {
		req, err := client.PresignGetObject(ctx, params, optFns...)
		if err != nil {
			return "", err
		}
		return req.URL, nil
	}), nil
}

func newLocator(bucket string, ttl time.Duration, presign presignFunc) *Locator {
	if ttl == 0 {
		ttl = time.Hour
	}
	return &Locator{presign: presign, bucket: bucket, ttl: ttl}
}

// URL returns a presigned GET link for the room's recording
func (l *Locator) URL(ctx context.Context, room string) (string, error) {
	url, err := l.presign(ctx, &s3.GetObjectInput{
		Bucket: aws.String(l.bucket),
		Key:    aws.String(ObjectKey(room)),
	}, s3.WithPresignExpires(l.ttl))
	if err != nil {
		return "", fmt.Errorf("presign recording %s: %w", ObjectKey(room), err)
	}
	return url, nil
}
