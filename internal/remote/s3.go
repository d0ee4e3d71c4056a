// Package remote copies backup artifacts to S3-compatible off-site storage.
package remote

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/virtbak/virtbak/internal/models"
)

// S3Uploader uploads artifacts to the bucket described by each
// models.RemoteLocation. Clients are built per location since every location
// may point at a different endpoint with its own credentials.
type S3Uploader struct {
	logger zerolog.Logger
}

// NewS3Uploader creates an S3Uploader.
func NewS3Uploader(logger zerolog.Logger) *S3Uploader {
	return &S3Uploader{
		logger: logger.With().Str("component", "s3_uploader").Logger(),
	}
}

func (u *S3Uploader) clientFor(ctx context.Context, loc models.RemoteLocation) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if loc.Region != "" {
		opts = append(opts, awsconfig.WithRegion(loc.Region))
	}
	if loc.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(loc.AccessKeyID, loc.SecretAccessKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if loc.Endpoint != "" {
			o.BaseEndpoint = aws.String(loc.Endpoint)
			// MinIO and friends want the bucket in the path.
			o.UsePathStyle = true
		}
	}), nil
}

// Upload copies the artifact and its descriptor sidecar to the location. The
// sidecar is optional; a missing one is not an error.
func (u *S3Uploader) Upload(ctx context.Context, localPath string, loc models.RemoteLocation) error {
	client, err := u.clientFor(ctx, loc)
	if err != nil {
		return err
	}
	uploader := manager.NewUploader(client)

	if err := u.uploadOne(ctx, uploader, localPath, loc); err != nil {
		return err
	}

	sidecar := localPath + ".meta.json"
	if _, statErr := os.Stat(sidecar); statErr == nil {
		if err := u.uploadOne(ctx, uploader, sidecar, loc); err != nil {
			u.logger.Warn().Err(err).Str("file", sidecar).Msg("error uploading descriptor sidecar")
		}
	}
	return nil
}

func (u *S3Uploader) uploadOne(ctx context.Context, uploader *manager.Uploader, localPath string, loc models.RemoteLocation) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	key := filepath.Base(localPath)
	if loc.Prefix != "" {
		key = path.Join(loc.Prefix, key)
	}

	if _, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(key),
		Body:   f,
	}); err != nil {
		return fmt.Errorf("upload %s to s3://%s/%s: %w", localPath, loc.Bucket, key, err)
	}

	u.logger.Info().
		Str("file", localPath).
		Str("bucket", loc.Bucket).
		Str("key", key).
		Msg("artifact uploaded")
	return nil
}
