package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/maesterweb/maesterweb/model"
)

// S3Config holds the connection settings of an S3 compatible endpoint.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Secure    bool
}

// S3Store is an ObjectStore backed by an S3 compatible service (MinIO, AWS S3, ...).
type S3Store struct {
	Endpoint string
	Client   *minio.Client

	bucket string
	region string
}

func NewS3Store(cfg S3Config) (*S3Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	return &S3Store{
		Endpoint: cfg.Endpoint,
		Client:   client,
		bucket:   cfg.Bucket,
		region:   cfg.Region,
	}, nil
}

func (s *S3Store) EnsureBucket(ctx context.Context) (bool, error) {
	exists, err := s.Client.BucketExists(ctx, s.bucket)
	if err != nil {
		return false, fmt.Errorf("s3 bucket exists: %w", err)
	}
	if exists {
		return false, nil
	}

	if err := s.Client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		// Another instance may have created it in the meantime
		if code := minio.ToErrorResponse(err).Code; code == "BucketAlreadyOwnedByYou" || code == "BucketAlreadyExists" {
			return false, nil
		}
		return false, fmt.Errorf("s3 make bucket: %w", err)
	}
	return true, nil
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) error {
	_, err := s.Client.PutObject(
		ctx,
		s.bucket,
		key,
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{
			ContentType:  contentType,
			UserMetadata: metadata,
		},
	)
	if err != nil {
		return fmt.Errorf("s3 put object: %w", err)
	}
	return nil
}

func (s *S3Store) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	info, err := s.Client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return ObjectInfo{}, ErrNotFound
		}
		return ObjectInfo{}, fmt.Errorf("s3 stat object: %w", err)
	}
	return toObjectInfo(info), nil
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.Client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("s3 get object: %w", err)
	}
	defer obj.Close()

	// The request is only sent on first read
	data, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("s3 read object: %w", err)
	}
	return data, nil
}

// List enumerates the bucket and stats every matching object, since plain
// S3 listings do not carry user metadata.
func (s *S3Store) List(ctx context.Context, suffix string) ([]ObjectInfo, error) {
	// Stops the listing goroutine when returning early
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var infos []ObjectInfo
	for obj := range s.Client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("s3 list objects: %w", obj.Err)
		}
		if !strings.HasSuffix(obj.Key, suffix) {
			continue
		}

		info, err := s.Stat(ctx, obj.Key)
		if errors.Is(err, ErrNotFound) {
			// Deleted between listing and stat
			continue
		}
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (s *S3Store) Remove(ctx context.Context, key string) error {
	if err := s.Client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("s3 remove object: %w", err)
	}
	return nil
}

func (s *S3Store) URL(key string) string {
	return s.Client.EndpointURL().JoinPath(s.bucket, key).String()
}

func (s *S3Store) Bucket() string {
	return s.bucket
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

func toObjectInfo(info minio.ObjectInfo) ObjectInfo {
	return ObjectInfo{
		Key:          info.Key,
		Size:         info.Size,
		LastModified: info.LastModified,
		ContentType:  info.ContentType,
		Metadata:     restoreMetadataKeys(info.UserMetadata),
	}
}

var knownMetadataKeys = []string{
	model.MetaUploadedAt,
	model.MetaReportName,
	model.MetaJobID,
	model.MetaOptions,
}

// restoreMetadataKeys undoes HTTP header canonicalisation ("Uploadedat")
// for the metadata keys the publisher writes.
func restoreMetadataKeys(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		key := k
		for _, known := range knownMetadataKeys {
			if strings.EqualFold(k, known) {
				key = known
				break
			}
		}
		out[key] = v
	}
	return out
}
