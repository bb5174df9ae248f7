// internal/publish/accounts.go
package publish

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	apperrors "github.com/Corphon/NostalgiaPipeline/internal/errors"
)

// AccountConfig accounts.yaml 中单个受众账号的发布目标
type AccountConfig struct {
	TikTokAccountID    string `yaml:"tiktok_account_id"`
	TikTokProfileID    string `yaml:"tiktok_profile_id"`
	InstagramAccountID string `yaml:"instagram_account_id"`
	ReelsProfileID     string `yaml:"reels_profile_id"`
}

// Destination 一个平台上的目标账号
type Destination struct {
	Platform  string `json:"platform"`
	AccountID string `json:"accountId"`
}

// validID 过滤空值与 YOUR_ 占位符
func validID(id string) bool {
	id = strings.TrimSpace(id)
	return id != "" && !strings.HasPrefix(id, "YOUR_")
}

func firstValid(ids ...string) string {
	for _, id := range ids {
		if validID(id) {
			return strings.TrimSpace(id)
		}
	}
	return ""
}

// LateDestinations TikTok 与 Instagram 两个平台的账号
func (a AccountConfig) LateDestinations() []Destination {
	var out []Destination
	if id := firstValid(a.TikTokAccountID, a.TikTokProfileID); id != "" {
		out = append(out, Destination{Platform: "tiktok", AccountID: id})
	}
	if id := firstValid(a.InstagramAccountID, a.ReelsProfileID); id != "" {
		out = append(out, Destination{Platform: "instagram", AccountID: id})
	}
	return out
}

// BufferProfiles Buffer 使用 profile id
func (a AccountConfig) BufferProfiles() []string {
	var out []string
	for _, id := range []string{a.TikTokProfileID, a.ReelsProfileID} {
		if validID(id) {
			out = append(out, strings.TrimSpace(id))
		}
	}
	return out
}

// LoadAccounts 读取 accounts.yaml
func LoadAccounts(path string) (map[string]AccountConfig, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, apperrors.NewConfigMissingError(fmt.Sprintf("%s not found", path), err)
	}
	if err != nil {
		return nil, apperrors.NewConfigMissingError("读取账号配置失败", err)
	}

	var accounts map[string]AccountConfig
	if err := yaml.Unmarshal(data, &accounts); err != nil {
		return nil, apperrors.NewInvalidInputError(fmt.Sprintf("%s invalid YAML", path), err)
	}
	return accounts, nil
}

// lookupAccount 取得某受众的配置，不存在时返回 NoValidDestination
func lookupAccount(path, account string) (AccountConfig, error) {
	accounts, err := LoadAccounts(path)
	if err != nil {
		return AccountConfig{}, err
	}
	cfg, ok := accounts[account]
	if !ok {
		return AccountConfig{}, apperrors.NewInvalidInputError(
			fmt.Sprintf("account %q not in accounts config", account), ErrNoValidDestination)
	}
	return cfg, nil
}
