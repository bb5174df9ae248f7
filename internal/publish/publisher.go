// internal/publish/publisher.go
package publish

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/Corphon/NostalgiaPipeline/internal/config"
	"github.com/Corphon/NostalgiaPipeline/internal/models"
)

// 发布失败的分类，调用方用 errors.Is 判断
var (
	ErrNoValidDestination = errors.New("no valid destination")
	ErrUploadFailed       = errors.New("media upload failed")
	ErrPlatformRejected   = errors.New("platform rejected post")
)

// Timeout 单次发布上限
const Timeout = 120 * time.Second

// Publisher 把草稿与媒体推送到社交平台
type Publisher interface {
	Name() string
	Publish(ctx context.Context, draft *models.Draft, mediaPath string) error
}

// PostText 发布正文：caption + 空行 + hashtags
func PostText(d *models.Draft) string {
	return strings.TrimSpace(d.Caption + "\n\n" + d.Hashtags)
}

// ContentTypeFor 根据扩展名推断 MIME
func ContentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".webm":
		return "video/webm"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "video/mp4"
	}
}

// MediaKind 返回 video 或 image
func MediaKind(path string) string {
	if strings.HasPrefix(ContentTypeFor(path), "image/") {
		return models.AssetImage
	}
	return models.AssetVideo
}

// NewPublisher 根据 PUBLISHER 配置选择发布通道
func NewPublisher(cfg *config.AppConfig) (Publisher, error) {
	switch cfg.Publisher {
	case config.PublisherBuffer:
		var uploader MediaUploader
		if cfg.MinioEndpoint != "" {
			u, err := NewMinioUploader(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL, cfg.MinioPublicURL)
			if err != nil {
				return nil, err
			}
			uploader = u
		}
		return NewBufferPublisher(cfg.BufferAccessToken, cfg.AccountsFile(), uploader), nil
	case config.PublisherLate, "":
		return NewLatePublisher(cfg.LateAPIKey, cfg.LateBaseURL, cfg.AccountsFile()), nil
	default:
		return nil, fmt.Errorf("unknown publisher %q", cfg.Publisher)
	}
}
