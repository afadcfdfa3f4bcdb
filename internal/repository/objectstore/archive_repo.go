// Package objectstore keeps finished call quality reports in MinIO.
package objectstore

import (
	"bytes"
	"context"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"callcore-backend/internal/domain"
	"callcore-backend/pkg/config"
	"callcore-backend/pkg/logger"
	"callcore-backend/pkg/resilience"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ArchiveRepository uploads quality summaries as JSON objects
type ArchiveRepository struct {
	client  *minio.Client
	bucket  string
	breaker *resilience.Breaker
}

// NewArchiveRepository connects to MinIO and makes sure the bucket exists
func NewArchiveRepository(ctx context.Context, cfg config.MinIOConfig) (*ArchiveRepository, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		logger.Info("Created quality report bucket", zap.String("bucket", cfg.Bucket))
	}

	return &ArchiveRepository{
		client:  client,
		bucket:  cfg.Bucket,
		breaker: resilience.NewBreaker("minio", resilience.DefaultConfig()),
	}, nil
}

// ObjectKey is where a summary is stored, bucketed by month
func ObjectKey(summary *domain.QualitySummary) string {
	at := summary.GeneratedAt
	return fmt.Sprintf("quality/%04d/%02d/%s.json", at.Year(), int(at.Month()), summary.CallID)
}

// StoreSummary uploads summary, retrying through the breaker
func (r *ArchiveRepository) StoreSummary(ctx context.Context, summary *domain.QualitySummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}

	key := ObjectKey(summary)
	err = r.breaker.Execute(ctx, "put_object", func(ctx context.Context) error {
		_, err := r.client.PutObject(ctx, r.bucket, key, bytes.NewReader(data), int64(len(data)),
			minio.PutObjectOptions{
				ContentType: "application/json",
				UserMetadata: map[string]string{
					"call-id":   summary.CallID.String(),
					"call-type": string(summary.Category),
				},
			})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to upload summary for call %s: %w", summary.CallID, err)
	}

	logger.Debug("Quality summary archived",
		zap.String("call_id", summary.CallID.String()),
		zap.String("object", key))
	return nil
}
