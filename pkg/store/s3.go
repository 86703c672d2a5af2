package store

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/menta2k/depth-diffusion/pkg/processing"
)

// S3Config points at an S3 or MinIO bucket
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
}

// S3Sink uploads images as objects
type S3Sink struct {
	client *s3.Client
	cfg    S3Config
	format Format
	logger *zap.Logger
}

// NewS3Sink builds the client and makes sure the bucket exists
func NewS3Sink(ctx context.Context, cfg S3Config, format Format, logger *zap.Logger) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	s := &S3Sink{client: client, cfg: cfg, format: format, logger: logger}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *S3Sink) ensureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)})
	if err == nil {
		return nil
	}
	if _, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.cfg.Bucket)}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", s.cfg.Bucket, err)
	}
	s.logger.Info("created bucket", zap.String("bucket", s.cfg.Bucket))
	return nil
}

// Save encodes img and uploads it to prefix/name; it returns an s3:// URI
func (s *S3Sink) Save(ctx context.Context, name string, img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := processing.Encode(&buf, img, s.format.Name, s.format.Quality, s.format.Lossless); err != nil {
		return "", err
	}

	key := path.Join(s.cfg.Prefix, name)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String(processing.ContentType(s.format.Name)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}
	s.logger.Debug("uploaded", zap.String("bucket", s.cfg.Bucket), zap.String("key", key))
	return fmt.Sprintf("s3://%s/%s", s.cfg.Bucket, key), nil
}
