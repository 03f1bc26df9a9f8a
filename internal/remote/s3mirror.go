// Package remote mirrors rotated checkpoint backups to S3-compatible
// object storage, giving a run durability beyond the node holding its
// local archive file.
package remote

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Mirror implements checkpoint.Mirror by uploading each rotated backup
// file to a fixed bucket/prefix.
type S3Mirror struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewS3Mirror loads the default AWS credential chain and builds a mirror
// targeting bucket/prefix.
func NewS3Mirror(ctx context.Context, bucket, prefix string) (*S3Mirror, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("remote: load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Mirror{uploader: manager.NewUploader(client), bucket: bucket, prefix: prefix}, nil
}

// MirrorBackup uploads the file at path under the mirror's prefix, keyed
// by its base filename.
func (m *S3Mirror) MirrorBackup(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("remote: open %s: %w", path, err)
	}
	defer f.Close()

	key := filepath.Join(m.prefix, filepath.Base(path))
	_, err = m.uploader.Upload(context.Background(), &s3.PutObjectInput{
		Bucket: &m.bucket,
		Key:    &key,
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("remote: upload %s to s3://%s/%s: %w", path, m.bucket, key, err)
	}
	return nil
}
