// internal/media/assembler.go
package media

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Corphon/NostalgiaPipeline/internal/config"
	"github.com/Corphon/NostalgiaPipeline/internal/models"
)

// 输出规格：9:16 竖屏
const (
	OutputWidth  = 1080
	OutputHeight = 1920
)

// BuildTimeout 单个草稿媒体构建上限
const BuildTimeout = 30 * time.Minute

// Artifact 构建产物
type Artifact struct {
	Path string `json:"path"`
	Type string `json:"type"` // video | image
}

// Assembler 在草稿目录中生成 video.mp4 或 image.png。
// 错误类型为 NotFound / InvalidInput / BuildFailed / Timeout 之一。
type Assembler interface {
	Assemble(ctx context.Context, dir string, draft *models.Draft) (*Artifact, error)
}

// CombinedVideoPrompt 把画面描述、旁白与配乐合并为一个视频生成提示词
func CombinedVideoPrompt(d *models.Draft) string {
	parts := []string{}
	if d.VideoPrompt != "" {
		parts = append(parts, d.VideoPrompt)
	}
	if d.VoiceoverText != "" {
		parts = append(parts, `Narrator voiceover saying: "`+d.VoiceoverText+`"`)
	}
	if d.MusicStyle != "" {
		parts = append(parts, "Background music: "+d.MusicStyle)
	}
	return strings.Join(parts, ". ")
}

// NewAssembler 根据 MEDIA_SOURCE 选择实现
func NewAssembler(cfg *config.AppConfig) (Assembler, error) {
	ff := NewFFmpeg(cfg.FFmpegPath, cfg.FFprobePath)
	switch cfg.MediaSource {
	case config.MediaSourceLibrary:
		return NewLibraryAssembler(cfg.AssetMappingFile(), cfg.AssetsDir, ff), nil
	case config.MediaSourceImagine, "":
		client := NewImagineClient(cfg.XAIAPIKey, cfg.XAIBaseURL)
		return NewImagineAssembler(client, ff), nil
	default:
		return nil, fmt.Errorf("unknown media source %q", cfg.MediaSource)
	}
}
