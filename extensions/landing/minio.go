package landing

import (
	"bytes"
	"context"
	"io"
	"net/url"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/chararch/tunepipe"
)

// MinioConfig configures an S3 compatible bucket.
type MinioConfig struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	UseSSL          bool   `yaml:"use_ssl"`
	Prefix          string `yaml:"prefix"`
}

// MinioStore stores objects in an S3 compatible bucket.
type MinioStore struct {
	client *minio.Client
	cfg    MinioConfig
}

func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "minio endpoint and bucket are required")
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "minio credentials are required")
	}
	endpoint := cfg.Endpoint
	useSSL := cfg.UseSSL
	if u, err := url.Parse(cfg.Endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		useSSL = useSSL || u.Scheme == "https"
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "create minio client for %v failed", cfg.Endpoint, err)
	}
	return &MinioStore{client: client, cfg: cfg}, nil
}

// EnsureBucket creates the bucket when it does not exist.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return storeError("stat bucket", s.cfg.Bucket, err)
	}
	if exists {
		return nil
	}
	if err = s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
		return storeError("create bucket", s.cfg.Bucket, err)
	}
	return nil
}

func (s *MinioStore) key(key string) string {
	if s.cfg.Prefix == "" {
		return cleanKey(key)
	}
	return cleanKey(s.cfg.Prefix) + "/" + cleanKey(key)
}

func (s *MinioStore) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.cfg.Bucket, s.key(key), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return storeError("put", key, err)
	}
	return nil
}

func (s *MinioStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, s.key(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, s.classify("get", key, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.classify("get", key, err)
	}
	return data, nil
}

func (s *MinioStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.cfg.Bucket, s.key(key), minio.StatObjectOptions{})
	if err != nil {
		if err = s.classify("stat", key, err); IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *MinioStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	strip := ""
	if s.cfg.Prefix != "" {
		strip = cleanKey(s.cfg.Prefix) + "/"
	}
	for obj := range s.client.ListObjects(ctx, s.cfg.Bucket, minio.ListObjectsOptions{
		Prefix:    s.key(prefix),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, storeError("list", prefix, obj.Err)
		}
		keys = append(keys, obj.Key[len(strip):])
	}
	return sortedKeys(keys), nil
}

func (s *MinioStore) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, s.key(key), minio.RemoveObjectOptions{}); err != nil {
		return storeError("delete", key, err)
	}
	return nil
}

func (s *MinioStore) classify(op, key string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return notFound(key)
	}
	return storeError(op, key, err)
}
