package minio

import (
	"context"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioAPI struct {
	session *minio.Client
}

const defaultCreds string = "minioadmin"

func NewMinio(endPoint, accessKey, secretKey string, secure bool) (*MinioAPI, error) {
	if accessKey == "" {
		accessKey = defaultCreds
	}
	if secretKey == "" {
		secretKey = defaultCreds
	}
	client, err := minio.New(endPoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, err
	}
	return &MinioAPI{
		session: client,
	}, nil
}

func (api *MinioAPI) ExistsBucket(ctx context.Context, bucketName string) (bool, error) {
	exists, err := api.session.BucketExists(ctx, bucketName)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (api *MinioAPI) CreateBucket(ctx context.Context, bucketName string) error {
	return api.session.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{})
}

// EnsureBucket creates bucketName if it does not exist yet.
func (api *MinioAPI) EnsureBucket(ctx context.Context, bucketName string) error {
	exists, err := api.ExistsBucket(ctx, bucketName)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return api.CreateBucket(ctx, bucketName)
}
