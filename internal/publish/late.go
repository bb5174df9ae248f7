// internal/publish/late.go
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Corphon/NostalgiaPipeline/internal/config"
	apperrors "github.com/Corphon/NostalgiaPipeline/internal/errors"
	"github.com/Corphon/NostalgiaPipeline/internal/models"
)

const (
	lateRequestTimeout = 60 * time.Second
	lateUploadTimeout  = 120 * time.Second
)

// LatePublisher 通过 Late API 同时发布到 TikTok 与 Instagram Reels
type LatePublisher struct {
	apiKey       string
	baseURL      string
	accountsFile string
	client       *http.Client
}

// NewLatePublisher 创建 Late 发布器
func NewLatePublisher(apiKey, baseURL, accountsFile string) *LatePublisher {
	if baseURL == "" {
		baseURL = "https://getlate.dev/api/v1"
	}
	return &LatePublisher{
		apiKey:       apiKey,
		baseURL:      strings.TrimRight(baseURL, "/"),
		accountsFile: accountsFile,
		client:       &http.Client{},
	}
}

func (p *LatePublisher) Name() string { return "late" }

// call 发送 JSON 请求并解码响应
func (p *LatePublisher) call(ctx context.Context, method, path string, body interface{}) (map[string]interface{}, int, error) {
	ctx, cancel := context.WithTimeout(ctx, lateRequestTimeout)
	defer cancel()

	data, err := json.Marshal(body)
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, apperrors.FromContext(ctx, err, "Late API request failed", apperrors.ErrorTypeExternalCallFailed)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var result map[string]interface{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			result = map[string]interface{}{"error": strings.TrimSpace(string(raw))}
		}
	}
	return result, resp.StatusCode, nil
}

// upload 通过 presign 上传媒体，返回公开地址
func (p *LatePublisher) upload(ctx context.Context, mediaPath string) (string, error) {
	contentType := ContentTypeFor(mediaPath)
	presign, status, err := p.call(ctx, http.MethodPost, "/media/presign", map[string]string{
		"filename":    filepath.Base(mediaPath),
		"contentType": contentType,
	})
	if err != nil {
		if apperrors.IsTimeoutError(err) {
			return "", err
		}
		return "", apperrors.NewExternalCallError("presign failed", fmt.Errorf("%w: %v", ErrUploadFailed, err))
	}
	uploadURL, _ := presign["uploadUrl"].(string)
	publicURL, _ := presign["publicUrl"].(string)
	if status < 200 || status >= 300 || uploadURL == "" || publicURL == "" {
		return "", apperrors.NewExternalCallError(fmt.Sprintf("presign returned %d: %v", status, presign["error"]), ErrUploadFailed)
	}

	f, err := os.Open(mediaPath)
	if err != nil {
		return "", apperrors.NewNotFoundError("media file not readable", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", apperrors.NewNotFoundError("media file not readable", err)
	}

	ctx, cancel := context.WithTimeout(ctx, lateUploadTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, f)
	if err != nil {
		return "", apperrors.NewExternalCallError("bad upload url", ErrUploadFailed)
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", contentType)

	resp, err := p.client.Do(req)
	if err != nil {
		if e := apperrors.FromContext(ctx, err, "media upload failed", apperrors.ErrorTypeExternalCallFailed); apperrors.IsTimeoutError(e) {
			return "", e
		}
		return "", apperrors.NewExternalCallError("media upload failed", fmt.Errorf("%w: %v", ErrUploadFailed, err))
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", apperrors.NewExternalCallError(fmt.Sprintf("media upload returned %d", resp.StatusCode), ErrUploadFailed)
	}
	return publicURL, nil
}

// Publish 上传媒体（如有）并立即发布
func (p *LatePublisher) Publish(ctx context.Context, d *models.Draft, mediaPath string) error {
	cfg, err := lookupAccount(p.accountsFile, d.Account)
	if err != nil {
		return err
	}
	platforms := cfg.LateDestinations()
	if len(platforms) == 0 {
		return apperrors.NewInvalidInputError(fmt.Sprintf("no valid Late account IDs for %q", d.Account), ErrNoValidDestination)
	}
	if !config.IsSet(p.apiKey) {
		return apperrors.NewConfigMissingError("LATE_API_KEY not set", nil)
	}

	body := map[string]interface{}{
		"content":    PostText(d),
		"platforms":  platforms,
		"publishNow": true,
		"timezone":   "UTC",
	}
	if mediaPath != "" {
		publicURL, err := p.upload(ctx, mediaPath)
		if err != nil {
			return err
		}
		body["mediaItems"] = []map[string]string{{"type": MediaKind(mediaPath), "url": publicURL}}
	}

	result, status, err := p.call(ctx, http.MethodPost, "/posts", body)
	if err != nil {
		return err
	}
	_, hasPost := result["post"]
	_, hasError := result["error"]
	if status >= 200 && status < 300 && (hasPost || !hasError) {
		return nil
	}
	return apperrors.NewExternalCallError(fmt.Sprintf("Late API returned %d: %v", status, result["error"]), ErrPlatformRejected)
}
