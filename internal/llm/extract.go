// internal/llm/extract.go
package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/Corphon/NostalgiaPipeline/internal/models"
)

// ErrNoDrafts 模型输出中找不到 {"drafts": [...]} 对象
var ErrNoDrafts = errors.New("no drafts JSON object found in model output")

var (
	fencedJSONPattern = regexp.MustCompile("```(?:json)?\\s*(\\{[\\s\\S]*?\\})\\s*```")
	bareJSONPattern   = regexp.MustCompile(`\{[\s\S]*"drafts"[\s\S]*\}`)
)

// 裸 JSON 扫描时最多尝试的起始位置
const maxScanCandidates = 64

// ExtractDrafts 从模型原始输出中取出草稿列表。
// 先找 ``` 代码块，再退回到包含 "drafts" 的最外层大括号。纯函数，不做字段校验。
func ExtractDrafts(output string) ([]models.Draft, error) {
	for _, m := range fencedJSONPattern.FindAllStringSubmatch(output, -1) {
		if drafts, ok := decodeDrafts([]byte(m[1])); ok {
			return drafts, nil
		}
	}

	if m := bareJSONPattern.FindString(output); m != "" {
		if drafts, ok := decodeDrafts([]byte(m)); ok {
			return drafts, nil
		}
	}

	// 前后有多余文字或多个对象时，从 "drafts" 之前的每个 { 开始流式解码
	key := strings.Index(output, `"drafts"`)
	if key < 0 {
		return nil, ErrNoDrafts
	}
	tried := 0
	for i := key; i >= 0 && tried < maxScanCandidates; i-- {
		if output[i] != '{' {
			continue
		}
		tried++
		var raw json.RawMessage
		if err := json.NewDecoder(strings.NewReader(output[i:])).Decode(&raw); err != nil {
			continue
		}
		if drafts, ok := decodeDrafts(raw); ok {
			return drafts, nil
		}
	}
	return nil, ErrNoDrafts
}

// decodeDrafts 解析 {"drafts": [...]}，drafts 必须是数组
func decodeDrafts(data []byte) ([]models.Draft, bool) {
	var envelope struct {
		Drafts []map[string]interface{} `json:"drafts"`
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, false
	}
	if _, ok := probe["drafts"]; !ok {
		return nil, false
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, false
	}

	drafts := make([]models.Draft, 0, len(envelope.Drafts))
	for _, item := range envelope.Drafts {
		normalized, err := json.Marshal(normalizeItem(item))
		if err != nil {
			return nil, false
		}
		var d models.Draft
		if err := json.Unmarshal(normalized, &d); err != nil {
			return nil, false
		}
		drafts = append(drafts, d)
	}
	return drafts, true
}

var stringFields = []string{
	"account", "platform", "caption", "hashtags", "hook",
	"asset_type", "video_prompt", "voiceover_text", "music_style", "status",
}

// normalizeItem 把模型常见的类型偏差转成字符串：hashtags 数组用空格拼接，数字转文本
func normalizeItem(item map[string]interface{}) map[string]interface{} {
	for _, key := range stringFields {
		v, ok := item[key]
		if !ok {
			continue
		}
		switch val := v.(type) {
		case string:
		case nil:
			delete(item, key)
		case []interface{}:
			parts := make([]string, 0, len(val))
			for _, p := range val {
				parts = append(parts, fmt.Sprint(p))
			}
			item[key] = strings.Join(parts, " ")
		default:
			item[key] = fmt.Sprint(val)
		}
	}
	return item
}
