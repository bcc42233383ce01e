// Package s3 archives sweep reports to S3-compatible object storage.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/tiendas-io/subscriptions/internal/config"
)

// putter is the slice of the S3 API the archive needs.
type putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ReportArchive stores JSON documents under a dated key.
type ReportArchive struct {
	client putter
	bucket string
	prefix string
}

// NewReportArchive creates and configures the S3 client from the reports section.
func NewReportArchive(ctx context.Context, cfg config.ReportsConfig) (*ReportArchive, error) {
	opts := []func(*awsConfig.LoadOptions) error{
		awsConfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newReportArchive(client, cfg.Bucket, cfg.Prefix), nil
}

func newReportArchive(client putter, bucket, prefix string) *ReportArchive {
	return &ReportArchive{client: client, bucket: bucket, prefix: prefix}
}

// Key returns the object key a report taken at the given time is stored under.
func (a *ReportArchive) Key(name string, at time.Time) string {
	at = at.UTC()
	return path.Join(a.prefix, at.Format("2006/01/02"), fmt.Sprintf("%s-%s.json", name, at.Format("20060102T150405Z")))
}

// Archive marshals v and uploads it. It returns the object key.
func (a *ReportArchive) Archive(ctx context.Context, name string, at time.Time, v any) (string, error) {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", name, err)
	}

	key := a.Key(name, at)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s to s3://%s/%s: %w", name, a.bucket, key, err)
	}
	return key, nil
}
