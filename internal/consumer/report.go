package consumer

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"tenant-outbox-engine/internal/config"
	"tenant-outbox-engine/internal/models"
	"tenant-outbox-engine/internal/runner"
	"tenant-outbox-engine/internal/tenant"
)

type reportUploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) error
}

// ReportArchiver writes generated report documents to object storage. Object
// keys are tenant-prefixed and deterministic, so a redelivered job overwrites
// the same object instead of duplicating it.
type ReportArchiver struct {
	uploader reportUploader
}

// NewReportArchiver builds the archiver against S3 per config.
func NewReportArchiver(ctx context.Context, cfg config.Config) (*ReportArchiver, error) {
	if cfg.ReportS3Bucket == "" {
		return nil, fmt.Errorf("REPORT_S3_BUCKET is required for the report archiver")
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &ReportArchiver{
		uploader: &s3Uploader{client: client, bucket: cfg.ReportS3Bucket},
	}, nil
}

func (a *ReportArchiver) Execute(ctx context.Context, payload any) error {
	p, ok := payload.(models.ReportArchivePayload)
	if !ok {
		return runner.Fatal(fmt.Errorf("unexpected payload type %T", payload))
	}
	scope, err := tenant.FromContext(ctx)
	if err != nil {
		return runner.Fatal(err)
	}

	contentType := p.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	key := path.Join("reports", scope.TenantID, p.Key)
	if err := a.uploader.Upload(ctx, key, p.Document, contentType); err != nil {
		return runner.Retryable(fmt.Errorf("archive report %s: %w", key, err))
	}
	return nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ReportS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ReportS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ReportS3Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (u *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	return err
}
