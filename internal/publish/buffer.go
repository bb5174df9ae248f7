// internal/publish/buffer.go
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Corphon/NostalgiaPipeline/internal/config"
	apperrors "github.com/Corphon/NostalgiaPipeline/internal/errors"
	"github.com/Corphon/NostalgiaPipeline/internal/models"
)

const (
	bufferEndpoint = "https://api.bufferapp.com/1/updates/create.json"
	bufferTimeout  = 30 * time.Second
)

// BufferPublisher 通过 Buffer 发布。Buffer 只接受公网媒体地址，所以媒体先经 uploader 上传
type BufferPublisher struct {
	token        string
	endpoint     string
	accountsFile string
	uploader     MediaUploader
	client       *http.Client
}

// NewBufferPublisher 创建 Buffer 发布器；uploader 为 nil 时带媒体的草稿会被拒绝
func NewBufferPublisher(token, accountsFile string, uploader MediaUploader) *BufferPublisher {
	return &BufferPublisher{
		token:        token,
		endpoint:     bufferEndpoint,
		accountsFile: accountsFile,
		uploader:     uploader,
		client:       &http.Client{},
	}
}

func (p *BufferPublisher) Name() string { return "buffer" }

// Publish 以 now=true 立即发布到所有 profile
func (p *BufferPublisher) Publish(ctx context.Context, d *models.Draft, mediaPath string) error {
	cfg, err := lookupAccount(p.accountsFile, d.Account)
	if err != nil {
		return err
	}
	profiles := cfg.BufferProfiles()
	if len(profiles) == 0 {
		return apperrors.NewInvalidInputError(fmt.Sprintf("no valid Buffer profile IDs for %q", d.Account), ErrNoValidDestination)
	}
	if !config.IsSet(p.token) {
		return apperrors.NewConfigMissingError("BUFFER_ACCESS_TOKEN not set", nil)
	}

	form := url.Values{}
	form.Set("access_token", p.token)
	form.Set("text", PostText(d))
	form.Set("now", "true")
	for _, id := range profiles {
		form.Add("profile_ids[]", id)
	}

	if mediaPath != "" {
		if p.uploader == nil {
			// 媒体存在时拒绝只发文字
			return apperrors.NewConfigMissingError("Buffer needs a public media URL; configure MINIO_ENDPOINT", ErrUploadFailed)
		}
		publicURL, err := p.uploader.Upload(ctx, mediaPath, ObjectName(d.ID, mediaPath))
		if err != nil {
			if apperrors.IsTimeoutError(err) {
				return err
			}
			return apperrors.NewExternalCallError("media upload failed", fmt.Errorf("%w: %v", ErrUploadFailed, err))
		}
		if MediaKind(mediaPath) == models.AssetImage {
			form.Set("media[photo]", publicURL)
			form.Set("media[thumbnail]", publicURL)
		} else {
			form.Set("media[video]", publicURL)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, bufferTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return apperrors.FromContext(ctx, err, "Buffer API request failed", apperrors.ErrorTypeExternalCallFailed)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var result struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &result); err != nil || !result.Success {
		return apperrors.NewExternalCallError(
			fmt.Sprintf("Buffer API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))), ErrPlatformRejected)
	}
	return nil
}
