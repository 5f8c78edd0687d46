package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"audioscribe/internal/config"
	"audioscribe/internal/models"
)

type objectPutter interface {
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Archive stores finished transcripts in an S3-compatible bucket.
type Archive struct {
	client objectPutter
	bucket string
}

// New connects to the configured endpoint and creates the bucket if missing.
func New(ctx context.Context, cfg config.ArchiveConfig) (*Archive, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &Archive{client: client, bucket: cfg.Bucket}, nil
}

// Key is the object name of a job's transcript.
func Key(jobID string) string {
	return "transcripts/" + jobID + ".txt"
}

// Archive uploads the transcript of a completed job.
func (a *Archive) Archive(ctx context.Context, job *models.Job) error {
	if a == nil || a.client == nil {
		return errors.New("s3 client not initialized")
	}
	if job == nil || job.Result == nil {
		return errors.New("job has no transcript")
	}
	body := job.Result.Text
	_, err := a.client.PutObject(ctx, a.bucket, Key(job.ID), strings.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{
			ContentType: "text/plain; charset=utf-8",
			UserMetadata: map[string]string{
				"job-id":    job.ID,
				"file-name": job.FileName,
			},
		},
	)
	if err != nil {
		return fmt.Errorf("s3 put object: %w", err)
	}
	return nil
}
