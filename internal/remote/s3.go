package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/mpetrovs/keebsync/internal/logging"
	"github.com/mpetrovs/keebsync/internal/models"
)

// S3Config configures the self-hosted backend (MinIO or any S3-compatible
// store).
type S3Config struct {
	Region       string
	Bucket       string
	BaseEndpoint string
	AccessKey    string
	SecretKey    string

	// Prefix namespaces this app's objects inside a shared bucket.
	Prefix string
}

// S3Store stores one envelope object per sync unit in an S3-compatible
// bucket. Object keys double as file ids; there is no separate id space.
type S3Store struct {
	cfg    S3Config
	client *s3.Client
	log    logging.Logger
}

// NewS3Store builds the S3 backend with static credentials, the way a
// self-hosted MinIO deployment is configured.
func NewS3Store(ctx context.Context, cfg S3Config, log logging.Logger) (*S3Store, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "keebsync/"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)))
	if err != nil {
		return nil, fmt.Errorf("load s3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.BaseEndpoint)
		}
		o.UsePathStyle = true
	})

	return &S3Store{cfg: cfg, client: client, log: log}, nil
}

func (s *S3Store) key(name string) string {
	return s.cfg.Prefix + name
}

// ListFiles enumerates envelope objects under the configured prefix.
func (s *S3Store) ListFiles(ctx context.Context) ([]FileInfo, error) {
	var out []FileInfo

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(s.cfg.Prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			modified := time.Time{}
			if obj.LastModified != nil {
				modified = *obj.LastModified
			}
			out = append(out, FileInfo{
				ID:           key,
				Name:         strings.TrimPrefix(key, s.cfg.Prefix),
				ModifiedTime: modified,
			})
		}
	}
	return out, nil
}

// DownloadFile fetches and parses one envelope object.
func (s *S3Store) DownloadFile(ctx context.Context, id string) (*models.SyncEnvelope, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", id, err)
	}
	defer resp.Body.Close()

	var env models.SyncEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	return &env, nil
}

// UploadFile puts the envelope object; S3 puts are upserts, so existingID
// only short-circuits the key computation.
func (s *S3Store) UploadFile(ctx context.Context, name string, env *models.SyncEnvelope, existingID string) (string, error) {
	key := existingID
	if key == "" {
		key = s.key(name)
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return "", err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return key, nil
}

// DeleteFile removes an object. S3 deletes of missing keys already succeed,
// matching the 404-tolerant contract.
func (s *S3Store) DeleteFile(ctx context.Context, id string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(id),
	})
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete object %s: %w", id, err)
	}
	return nil
}

// DeleteAllFiles wipes every object under the prefix.
func (s *S3Store) DeleteAllFiles(ctx context.Context) error {
	return s.deleteWhere(ctx, func(FileInfo) bool { return true })
}

// DeleteFilesByPrefix removes objects whose logical name starts with prefix.
func (s *S3Store) DeleteFilesByPrefix(ctx context.Context, prefix string) error {
	return s.deleteWhere(ctx, func(f FileInfo) bool { return strings.HasPrefix(f.Name, prefix) })
}

func (s *S3Store) deleteWhere(ctx context.Context, match func(FileInfo) bool) error {
	files, err := s.ListFiles(ctx)
	if err != nil {
		return err
	}
	for _, f := range files {
		if !match(f) {
			continue
		}
		if err := s.DeleteFile(ctx, f.ID); err != nil {
			return err
		}
	}
	return nil
}
