// Package storage archives session recordings and transcripts in S3.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
)

const (
	// FolderRecordings is the key prefix for recording objects.
	FolderRecordings = "recordings"
	// FolderTranscripts is the key prefix for raw transcript archives.
	FolderTranscripts = "transcripts"

	defaultPresignExpire = 15 * time.Minute
	uploadPartSize       = 5 * 1024 * 1024
)

// S3Config holds S3 client configuration.
type S3Config struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	RecordingsBucket     string
	TranscriptsBucket    string
	PresignExpireMinutes int
}

// S3 uploads archives and signs download links. Objects stay private.
type S3 struct {
	client   *s3.Client
	presign  *s3.PresignClient
	uploader *manager.Uploader
	cfg      S3Config
	logger   *zap.Logger
}

// NewS3 creates an S3 client. Static credentials come from cfg, then AWS_ACCESS_KEY_ID and
// AWS_SECRET_ACCESS_KEY; without either the default AWS credential chain applies.
func NewS3(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RecordingsBucket == "" {
		return nil, errors.New("recordings bucket is required")
	}
	accessKey, secretKey := cfg.AccessKeyID, cfg.SecretAccessKey
	if accessKey == "" || secretKey == "" {
		accessKey, secretKey = os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	} else {
		logger.Warn("s3 using default credential chain")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	logger.Info("s3 archive ready",
		zap.String("region", cfg.Region),
		zap.String("recordings_bucket", cfg.RecordingsBucket),
		zap.String("transcripts_bucket", cfg.TranscriptsBucket))
	return &S3{
		client:   client,
		presign:  s3.NewPresignClient(client),
		uploader: manager.NewUploader(client, func(u *manager.Uploader) { u.PartSize = uploadPartSize }),
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// RecordingKey returns recordings/{session_id}/{recording_id}.mp4.
func RecordingKey(sessionID, recordingID string) string {
	return path.Join(FolderRecordings, sessionID, path.Base(recordingID)+".mp4")
}

// TranscriptKey returns transcripts/{session_id}/{unix_seconds}.json. Each archive is
// immutable.
func TranscriptKey(sessionID string, at time.Time) string {
	return path.Join(FolderTranscripts, sessionID, fmt.Sprintf("%d.json", at.Unix()))
}

// RecordingsBucket returns the recordings bucket name.
func (s *S3) RecordingsBucket() string { return s.cfg.RecordingsBucket }

// TranscriptsBucket returns the transcripts bucket, falling back to the recordings bucket.
func (s *S3) TranscriptsBucket() string {
	if s.cfg.TranscriptsBucket == "" {
		return s.cfg.RecordingsBucket
	}
	return s.cfg.TranscriptsBucket
}

// PresignExpire returns the lifetime of signed download links.
func (s *S3) PresignExpire() time.Duration {
	if s.cfg.PresignExpireMinutes <= 0 {
		return defaultPresignExpire
	}
	return time.Duration(s.cfg.PresignExpireMinutes) * time.Minute
}

// ObjectURL is the canonical, unsigned URL of an object.
func (s *S3) ObjectURL(bucket, key string) string {
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bucket, s.cfg.Region, key)
}

// Exists reports whether an object is already stored.
func (s *S3) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err == nil {
		return true, nil
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return false, nil
	}
	return false, fmt.Errorf("head object: %w", err)
}

// Upload streams body to bucket/key and returns the object URL. contentLength may be <= 0
// when unknown.
func (s *S3) Upload(ctx context.Context, bucket, key, contentType string, body io.Reader, contentLength int64) (string, error) {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	}
	if contentLength > 0 {
		input.ContentLength = aws.Int64(contentLength)
	}
	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	s.logger.Debug("object uploaded", zap.String("bucket", bucket), zap.String("key", key))
	return s.ObjectURL(bucket, key), nil
}

// GeneratePresignedDownloadURL signs a GET link valid for expires.
func (s *S3) GeneratePresignedDownloadURL(ctx context.Context, bucket, key string, expires time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return req.URL, nil
}
