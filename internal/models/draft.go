// internal/models/draft.go
package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// 草稿状态
const (
	StatusPending      = "pending"
	StatusVideoPending = "video_pending" // 旧版本遗留，列表中按 pending 处理
	StatusPublished    = "published"
	StatusFailed       = "failed"
)

// 素材类型
const (
	AssetVideo = "video"
	AssetImage = "image"
)

// 草稿目录内的文件名
const (
	ContentFile = "content.json"
	BriefFile   = "spec.md"
	VideoFile   = "video.mp4"
	ImageFile   = "image.png"
)

// 列表过滤条件
const (
	FilterPending = "pending"
	FilterAll     = "all"
)

// knownFields 是 Draft 显式建模的 JSON 键，其余键进入 Extra
var knownFields = map[string]bool{
	"account": true, "platform": true, "caption": true, "hashtags": true, "hook": true,
	"asset_type": true, "video_prompt": true, "voiceover_text": true, "music_style": true,
	"status": true,
}

// Draft 一条待发布内容。ID 不落盘，等于草稿目录名
type Draft struct {
	ID            string `json:"-"`
	Account       string `json:"account"`
	Platform      string `json:"platform"`
	Caption       string `json:"caption"`
	Hashtags      string `json:"hashtags"`
	Hook          string `json:"hook"`
	AssetType     string `json:"asset_type"`
	VideoPrompt   string `json:"video_prompt"`
	VoiceoverText string `json:"voiceover_text,omitempty"`
	MusicStyle    string `json:"music_style,omitempty"`
	Status        string `json:"status"`

	// Extra 保存未建模字段（例如 asset_key），读写时原样保留
	Extra map[string]json.RawMessage `json:"-"`
}

type draftAlias Draft

// UnmarshalJSON 解析已知字段，其余保留到 Extra
func (d *Draft) UnmarshalJSON(data []byte) error {
	var alias draftAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	id := d.ID
	*d = Draft(alias)
	d.ID = id
	for k, v := range raw {
		if knownFields[k] {
			continue
		}
		if d.Extra == nil {
			d.Extra = make(map[string]json.RawMessage)
		}
		d.Extra[k] = v
	}
	return nil
}

// MarshalJSON 写出已知字段并合并 Extra
func (d Draft) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(draftAlias(d))
	if err != nil {
		return nil, err
	}
	if len(d.Extra) == 0 {
		return known, nil
	}

	merged := make(map[string]json.RawMessage, len(d.Extra)+len(knownFields))
	for k, v := range d.Extra {
		if !knownFields[k] {
			merged[k] = v
		}
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// ExtraString 读取字符串类型的扩展字段
func (d *Draft) ExtraString(key string) string {
	raw, ok := d.Extra[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// IsVideo 是否为视频草稿
func (d *Draft) IsVideo() bool {
	return d.AssetType == AssetVideo
}

// MediaFile 返回该草稿对应的媒体文件名
func (d *Draft) MediaFile() string {
	if d.IsVideo() {
		return VideoFile
	}
	return ImageFile
}

type requiredField struct {
	name  string
	value string
}

// MissingFields 返回为空的必填字段，顺序固定
func (d *Draft) MissingFields() []string {
	checks := []requiredField{
		{"account", d.Account},
		{"platform", d.Platform},
		{"caption", d.Caption},
		{"hashtags", d.Hashtags},
		{"hook", d.Hook},
		{"asset_type", d.AssetType},
		{"video_prompt", d.VideoPrompt},
	}
	if d.IsVideo() {
		checks = append(checks,
			requiredField{"voiceover_text", d.VoiceoverText},
			requiredField{"music_style", d.MusicStyle},
		)
	}

	var missing []string
	for _, c := range checks {
		if strings.TrimSpace(c.value) == "" {
			missing = append(missing, c.name)
		}
	}
	return missing
}

// Validate 检查必填字段与素材类型约束：视频必须有旁白与配乐，图片两者都不能有
func (d *Draft) Validate() error {
	if missing := d.MissingFields(); len(missing) > 0 {
		return fmt.Errorf("missing %v", missing)
	}
	switch d.AssetType {
	case AssetVideo:
	case AssetImage:
		if d.VoiceoverText != "" || d.MusicStyle != "" {
			return fmt.Errorf("image draft must not carry voiceover_text or music_style")
		}
	default:
		return fmt.Errorf("unknown asset_type %q", d.AssetType)
	}
	return nil
}

// Normalize 去除图片草稿上的视频专属字段
func (d *Draft) Normalize() {
	if d.AssetType == AssetImage {
		d.VoiceoverText = ""
		d.MusicStyle = ""
	}
}

// Brief 生成 spec.md 内容，重试时作为上下文摘录
func (d *Draft) Brief(id string) string {
	return fmt.Sprintf("# %s\n\n%s\n\nVideo prompt: %s", id, d.Caption, d.VideoPrompt)
}

// IsPendingStatus 判断状态是否属于待处理
func IsPendingStatus(status string) bool {
	return status == StatusPending || status == StatusVideoPending
}

// DraftSummary 草稿列表项
type DraftSummary struct {
	ID        string `json:"id"`
	Account   string `json:"account"`
	Platform  string `json:"platform"`
	Caption   string `json:"caption"`
	Hashtags  string `json:"hashtags"`
	Hook      string `json:"hook"`
	Status    string `json:"status"`
	AssetType string `json:"asset_type"`
	HasMedia  bool   `json:"has_media"`
	MediaType string `json:"media_type,omitempty"`
}
