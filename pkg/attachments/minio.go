package attachments

import (
	"context"
	"io"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatshell/pkg/chat"
)

type MinioConfig struct {
	Enabled   bool          `env:"ENABLED" envDefault:"false"`
	Endpoint  string        `env:"ENDPOINT" envDefault:"localhost:9000"`
	AccessKey string        `env:"ACCESS_KEY"`
	SecretKey string        `env:"SECRET_KEY"`
	Bucket    string        `env:"BUCKET" envDefault:"chatshell-attachments"`
	Secure    bool          `env:"SECURE" envDefault:"false"`
	URLExpiry time.Duration `env:"URL_EXPIRY" envDefault:"1h"`
}

// MinioConfigFromEnv reads CHATSHELL_MINIO_* variables.
func MinioConfigFromEnv() (MinioConfig, error) {
	var c MinioConfig
	if err := env.ParseWithOptions(&c, env.Options{Prefix: "CHATSHELL_MINIO_"}); err != nil {
		return MinioConfig{}, errors.Wrap(err, "parse minio settings from environment")
	}
	return c, nil
}

// MinioStore puts each upload at attachments/<id> and hands out presigned GET URLs.
type MinioStore struct {
	client *minio.Client
	bucket string
	expiry time.Duration
}

func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create minio client")
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, errors.Wrapf(err, "check bucket %s", cfg.Bucket)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, errors.Wrapf(err, "create bucket %s", cfg.Bucket)
		}
		log.Info().Str("component", "attachments").Str("bucket", cfg.Bucket).Msg("created bucket")
	}
	expiry := cfg.URLExpiry
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &MinioStore{client: client, bucket: cfg.Bucket, expiry: expiry}, nil
}

func objectKey(id string) string {
	return "attachments/" + id
}

func (s *MinioStore) presign(ctx context.Context, id, name string) (string, error) {
	params := url.Values{}
	params.Set("response-content-disposition", `attachment; filename="`+name+`"`)
	u, err := s.client.PresignedGetObject(ctx, s.bucket, objectKey(id), s.expiry, params)
	if err != nil {
		return "", errors.Wrapf(err, "presign %s", id)
	}
	return u.String(), nil
}

func (s *MinioStore) Put(ctx context.Context, up Upload) (chat.Attachment, error) {
	id := uuid.NewString()
	name := CleanName(up.Name)
	size := up.Size
	if size == 0 {
		size = -1
	}
	info, err := s.client.PutObject(ctx, s.bucket, objectKey(id), up.Body, size, minio.PutObjectOptions{
		ContentType:  up.MIMEType,
		UserMetadata: map[string]string{"filename": name},
	})
	if err != nil {
		return chat.Attachment{}, errors.Wrapf(err, "upload %s", name)
	}
	link, err := s.presign(ctx, id, name)
	if err != nil {
		return chat.Attachment{}, err
	}
	return chat.Attachment{ID: id, Name: name, MIMEType: up.MIMEType, Size: info.Size, URL: link}, nil
}

func (s *MinioStore) Open(ctx context.Context, id string) (io.ReadCloser, chat.Attachment, error) {
	st, err := s.client.StatObject(ctx, s.bucket, objectKey(id), minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, chat.Attachment{}, errors.Wrapf(ErrNotFound, "%s", id)
		}
		return nil, chat.Attachment{}, errors.Wrapf(err, "stat %s", id)
	}
	obj, err := s.client.GetObject(ctx, s.bucket, objectKey(id), minio.GetObjectOptions{})
	if err != nil {
		return nil, chat.Attachment{}, errors.Wrapf(err, "get %s", id)
	}
	name := st.UserMetadata["Filename"]
	if name == "" {
		name = id
	}
	link, err := s.presign(ctx, id, name)
	if err != nil {
		_ = obj.Close()
		return nil, chat.Attachment{}, err
	}
	return obj, chat.Attachment{ID: id, Name: name, MIMEType: st.ContentType, Size: st.Size, URL: link}, nil
}
