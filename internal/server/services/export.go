package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	sc "github.com/dmitrijs2005/gophsync/internal/server/config"
	"github.com/dmitrijs2005/gophsync/internal/models"
	"github.com/google/uuid"
)

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}

	newS3PresignClient = func(c *s3.Client) *s3.PresignClient {
		return s3.NewPresignClient(c)
	}

	putObject = func(c *s3.Client, ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) error {
		_, err := c.PutObject(ctx, in, optFns...)
		return err
	}

	presignGetObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		return pc.PresignGetObject(ctx, in, optFns...)
	}
)

// SettingsReader is the part of SettingsService the export needs.
type SettingsReader interface {
	Read(ctx context.Context, userID string) (models.UserSettings, error)
}

// Export describes an uploaded settings snapshot.
type Export struct {
	Key     string
	URL     string
	Version int64
}

type ExportService struct {
	settings SettingsReader
	config   *sc.Config
	now      func() time.Time
}

func NewExportService(settings SettingsReader, config *sc.Config) *ExportService {
	return &ExportService{settings: settings, config: config, now: time.Now}
}

func (s *ExportService) getS3Client(ctx context.Context) (*s3.Client, error) {
	cfg, err := loadDefaultAWSConfig(ctx,
		config.WithRegion(s.config.S3Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			s.config.S3RootUser,
			s.config.S3RootPassword,
			"",
		)))
	if err != nil {
		return nil, err
	}

	return newS3ClientFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(s.config.S3BaseEndpoint)
		o.UsePathStyle = true
	}), nil
}

func (s *ExportService) storageKey(userID string) string {
	d := s.now().UTC()
	return fmt.Sprintf("exports/%s/%04d/%02d/%02d/%v.json", url.PathEscape(userID), d.Year(), d.Month(), d.Day(), uuid.New())
}

// Export uploads the user's current record as JSON and returns a presigned
// download URL for it.
func (s *ExportService) Export(ctx context.Context, userID string) (Export, error) {
	cur, err := s.settings.Read(ctx, userID)
	if err != nil {
		return Export{}, err
	}
	body, err := json.MarshalIndent(cur, "", "  ")
	if err != nil {
		return Export{}, fmt.Errorf("encode snapshot: %w", err)
	}

	client, err := s.getS3Client(ctx)
	if err != nil {
		return Export{}, fmt.Errorf("s3 config: %w", err)
	}

	bucket := s.config.S3Bucket
	key := s.storageKey(userID)

	err = putObject(client, ctx, &s3.PutObjectInput{
		Bucket:      &bucket,
		Key:         &key,
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return Export{}, fmt.Errorf("upload export: %w", err)
	}

	req, err := presignGetObject(newS3PresignClient(client), ctx, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	}, s3.WithPresignExpires(s.config.ExportURLValidity))
	if err != nil {
		return Export{}, fmt.Errorf("presign export: %w", err)
	}

	return Export{Key: key, URL: req.URL, Version: cur.Version}, nil
}
