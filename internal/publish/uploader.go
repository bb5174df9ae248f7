// internal/publish/uploader.go
package publish

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	apperrors "github.com/Corphon/NostalgiaPipeline/internal/errors"
	"github.com/Corphon/NostalgiaPipeline/internal/utils"
)

// presignExpiry 预签名地址有效期，需覆盖平台异步拉取媒体的时间
const presignExpiry = 72 * time.Hour

// MediaUploader 把本地媒体放到公网可访问的位置
type MediaUploader interface {
	Upload(ctx context.Context, localPath, objectName string) (string, error)
}

// MinioUploader 基于 MinIO / S3 的上传实现
type MinioUploader struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

// NewMinioUploader 创建 MinIO 客户端。publicURL 非空时返回 publicURL/bucket/object，否则返回预签名地址
func NewMinioUploader(endpoint, accessKey, secretKey, bucket string, useSSL bool, publicURL string) (*MinioUploader, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, apperrors.NewConfigMissingError("MinIO 初始化失败", err)
	}
	return &MinioUploader{
		client:    client,
		bucket:    bucket,
		publicURL: strings.TrimRight(publicURL, "/"),
	}, nil
}

// Upload 确保 bucket 存在后上传文件
func (u *MinioUploader) Upload(ctx context.Context, localPath, objectName string) (string, error) {
	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return "", apperrors.FromContext(ctx, err, "检查 Bucket 失败", apperrors.ErrorTypeExternalCallFailed)
	}
	if !exists {
		if err := u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{}); err != nil {
			return "", apperrors.FromContext(ctx, err, "创建 Bucket 失败", apperrors.ErrorTypeExternalCallFailed)
		}
		utils.GetLogger().Info("bucket created", utils.Fields{"bucket": u.bucket})
	}

	_, err = u.client.FPutObject(ctx, u.bucket, objectName, localPath, minio.PutObjectOptions{
		ContentType: ContentTypeFor(localPath),
	})
	if err != nil {
		return "", apperrors.FromContext(ctx, err, "上传到 MinIO 失败", apperrors.ErrorTypeExternalCallFailed)
	}

	if u.publicURL != "" {
		return fmt.Sprintf("%s/%s/%s", u.publicURL, u.bucket, objectName), nil
	}
	presigned, err := u.client.PresignedGetObject(ctx, u.bucket, objectName, presignExpiry, make(url.Values))
	if err != nil {
		return "", apperrors.NewExternalCallError("生成签名 URL 失败", err)
	}
	return presigned.String(), nil
}

// ObjectName 草稿媒体在 bucket 中的路径：drafts/<id>/<file>
func ObjectName(draftID, localPath string) string {
	return fmt.Sprintf("drafts/%s/%s", draftID, filepath.Base(localPath))
}
