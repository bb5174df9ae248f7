// internal/media/imagine.go
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
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
	"github.com/Corphon/NostalgiaPipeline/internal/utils"
)

// Imagine 任务终态错误
var (
	ErrVideoExpired = errors.New("video request expired")
	ErrModerated    = errors.New("video filtered by content moderation")
)

const (
	videoModel = "grok-imagine-video"
	imageModel = "grok-imagine-image"

	defaultPollInterval = 5 * time.Second
	submitTimeout       = 60 * time.Second
	pollTimeout         = 30 * time.Second
	imageTimeout        = 120 * time.Second
	downloadTimeout     = 60 * time.Second
)

// ImagineClient xAI Imagine 图片/视频生成客户端
type ImagineClient struct {
	apiKey  string
	baseURL string
	client  *http.Client

	PollInterval time.Duration
	VideoTimeout time.Duration
}

// NewImagineClient 创建客户端
func NewImagineClient(apiKey, baseURL string) *ImagineClient {
	if baseURL == "" {
		baseURL = "https://api.x.ai/v1"
	}
	return &ImagineClient{
		apiKey:       apiKey,
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       &http.Client{},
		PollInterval: defaultPollInterval,
		VideoTimeout: BuildTimeout,
	}
}

func (c *ImagineClient) checkKey() error {
	if !config.IsSet(c.apiKey) {
		return apperrors.NewConfigMissingError("XAI_API_KEY not set", nil)
	}
	return nil
}

// doJSON 发送请求并把 200 响应解码到 out
func (c *ImagineClient) doJSON(ctx context.Context, timeout time.Duration, method, path string, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return apperrors.FromContext(ctx, err, "xAI Imagine request failed", apperrors.ErrorTypeExternalCallFailed)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return apperrors.NewExternalCallError(
			fmt.Sprintf("xAI Imagine %s %s returned %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg))), nil)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.NewExternalCallError("解析 Imagine 响应失败", err)
	}
	return nil
}

// GenerateVideo 提交视频任务，轮询直到完成，然后下载到 output
func (c *ImagineClient) GenerateVideo(ctx context.Context, prompt, output string) error {
	if err := c.checkKey(); err != nil {
		return err
	}

	var submitted struct {
		RequestID string `json:"request_id"`
	}
	payload := map[string]interface{}{
		"model":        videoModel,
		"prompt":       prompt,
		"duration":     10,
		"aspect_ratio": "9:16",
		"resolution":   "720p",
	}
	if err := c.doJSON(ctx, submitTimeout, http.MethodPost, "/videos/generations", payload, &submitted); err != nil {
		return err
	}
	if submitted.RequestID == "" {
		return apperrors.NewExternalCallError("xAI video API did not return request_id", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, c.VideoTimeout)
	defer cancel()

	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()

	for {
		var result struct {
			Status string `json:"status"`
			Video  *struct {
				URL               string `json:"url"`
				RespectModeration *bool  `json:"respect_moderation"`
			} `json:"video"`
		}
		err := c.doJSON(ctx, pollTimeout, http.MethodGet, "/videos/"+submitted.RequestID, nil, &result)
		if err != nil && ctx.Err() == nil {
			return err
		}

		if err == nil {
			switch strings.ToLower(result.Status) {
			case "done":
				if result.Video == nil || result.Video.URL == "" {
					return apperrors.NewExternalCallError("xAI video done but no url", nil)
				}
				if result.Video.RespectModeration != nil && !*result.Video.RespectModeration {
					return apperrors.NewBuildFailedError("xAI video rejected", ErrModerated)
				}
				return c.download(ctx, result.Video.URL, output)
			case "expired":
				return apperrors.NewBuildFailedError(fmt.Sprintf("xAI video request %s", submitted.RequestID), ErrVideoExpired)
			}
		}

		select {
		case <-ctx.Done():
			return apperrors.NewTimeoutError(
				fmt.Sprintf("xAI video generation timed out after %s (request_id=%s)", c.VideoTimeout, submitted.RequestID), ctx.Err())
		case <-ticker.C:
		}
	}
}

// GenerateImage 生成单张图片并下载到 output
func (c *ImagineClient) GenerateImage(ctx context.Context, prompt, output string) error {
	if err := c.checkKey(); err != nil {
		return err
	}

	var result struct {
		Data []struct {
			URL string `json:"url"`
		} `json:"data"`
		URL string `json:"url"`
	}
	payload := map[string]interface{}{
		"model":        imageModel,
		"prompt":       prompt,
		"aspect_ratio": "9:16",
	}
	if err := c.doJSON(ctx, imageTimeout, http.MethodPost, "/images/generations", payload, &result); err != nil {
		return err
	}

	url := result.URL
	if len(result.Data) > 0 && result.Data[0].URL != "" {
		url = result.Data[0].URL
	}
	if url == "" {
		return apperrors.NewExternalCallError("xAI image API did not return url", nil)
	}
	return c.download(ctx, url, output)
}

func (c *ImagineClient) download(ctx context.Context, url, output string) error {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return apperrors.NewExternalCallError("failed to create download request", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return apperrors.FromContext(ctx, err, "failed to download media", apperrors.ErrorTypeExternalCallFailed)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apperrors.NewExternalCallError(fmt.Sprintf("media download returned %d", resp.StatusCode), nil)
	}

	if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
		return apperrors.NewBuildFailedError("创建输出目录失败", err)
	}
	f, err := os.Create(output)
	if err != nil {
		return apperrors.NewBuildFailedError("创建输出文件失败", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(output)
		return apperrors.FromContext(ctx, err, "failed to write media", apperrors.ErrorTypeExternalCallFailed)
	}
	return f.Close()
}

// ImagineAssembler 通过 xAI Imagine 生成媒体
type ImagineAssembler struct {
	client *ImagineClient
	ffmpeg *FFmpeg
}

// NewImagineAssembler 创建基于 Imagine 的构建器
func NewImagineAssembler(client *ImagineClient, ff *FFmpeg) *ImagineAssembler {
	return &ImagineAssembler{client: client, ffmpeg: ff}
}

// Assemble 视频草稿生成 video.mp4 并校正尺寸，图片草稿生成 image.png
func (a *ImagineAssembler) Assemble(ctx context.Context, dir string, d *models.Draft) (*Artifact, error) {
	if d.VideoPrompt == "" {
		return nil, apperrors.NewInvalidInputError("draft missing required field: video_prompt", nil)
	}

	start := time.Now()
	metrics := utils.GetMetricsCollector()
	metrics.IncrementCounter(utils.MetricMediaBuilds)
	defer func() { metrics.ObserveDuration(utils.MetricMediaLatency, time.Since(start)) }()

	switch d.AssetType {
	case models.AssetVideo:
		out := filepath.Join(dir, models.VideoFile)
		if err := a.client.GenerateVideo(ctx, CombinedVideoPrompt(d), out); err != nil {
			return nil, err
		}
		if a.ffmpeg != nil {
			a.ffmpeg.EnsureOutputSize(ctx, out)
		}
		return &Artifact{Path: out, Type: models.AssetVideo}, nil
	case models.AssetImage:
		out := filepath.Join(dir, models.ImageFile)
		if err := a.client.GenerateImage(ctx, d.VideoPrompt, out); err != nil {
			return nil, err
		}
		return &Artifact{Path: out, Type: models.AssetImage}, nil
	default:
		return nil, apperrors.NewInvalidInputError(fmt.Sprintf("asset_type must be video or image, got %q", d.AssetType), nil)
	}
}
