package minio

import (
	"context"
	"io"

	"github.com/minio/minio-go/v7"
)

// Object operations implementing the transfer.ObjectStore contract.

func (api *MinioAPI) Stat(ctx context.Context, bucketName, objectName string) (int64, error) {
	info, err := api.session.StatObject(ctx, bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}

func (api *MinioAPI) GetRange(ctx context.Context, bucketName, objectName string, offset, length int64) (io.ReadCloser, error) {
	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(offset, offset+length-1); err != nil {
		return nil, err
	}
	obj, err := api.session.GetObject(ctx, bucketName, objectName, opts)
	if err != nil {
		return nil, err
	}
	return obj, nil
}

func (api *MinioAPI) Put(ctx context.Context, bucketName, objectName string, data io.Reader, dataSize int64) error {
	_, err := api.session.PutObject(ctx, bucketName, objectName, data, dataSize, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
		// Chunking and retries happen a layer above; one Put is one part.
		DisableMultipart: true,
	})
	return err
}

func (api *MinioAPI) Compose(ctx context.Context, bucketName, dstObject string, parts []string) error {
	srcs := make([]minio.CopySrcOptions, 0, len(parts))
	for _, part := range parts {
		srcs = append(srcs, minio.CopySrcOptions{Bucket: bucketName, Object: part})
	}
	dst := minio.CopyDestOptions{Bucket: bucketName, Object: dstObject}
	_, err := api.session.ComposeObject(ctx, dst, srcs...)
	return err
}

func (api *MinioAPI) Remove(ctx context.Context, bucketName, objectName string) error {
	return api.session.RemoveObject(ctx, bucketName, objectName, minio.RemoveObjectOptions{})
}
