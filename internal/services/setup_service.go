// internal/services/setup_service.go
package services

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/Corphon/NostalgiaPipeline/internal/config"
	"github.com/Corphon/NostalgiaPipeline/internal/media"
	"github.com/Corphon/NostalgiaPipeline/internal/models"
	"github.com/Corphon/NostalgiaPipeline/internal/publish"
)

// 检查级别
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// SetupCheck 单项检查结果
type SetupCheck struct {
	Name     string `json:"name"`
	OK       bool   `json:"ok"`
	Severity string `json:"severity,omitempty"`
	Message  string `json:"message,omitempty"`
}

// SetupReport 环境检查汇总；只要有 error 级别的失败 OK 即为 false
type SetupReport struct {
	OK     bool         `json:"ok"`
	Checks []SetupCheck `json:"checks"`
}

// Problems 失败项的描述
func (r SetupReport) Problems() []string {
	var out []string
	for _, c := range r.Checks {
		if !c.OK {
			out = append(out, fmt.Sprintf("[%s] %s: %s", c.Severity, c.Name, c.Message))
		}
	}
	return out
}

// SetupService 检查凭据、账号配置、外部工具与人设文件
type SetupService struct {
	cfg *config.AppConfig
}

// NewSetupService 创建检查服务
func NewSetupService(cfg *config.AppConfig) *SetupService {
	return &SetupService{cfg: cfg}
}

// Verify 运行所有检查
func (s *SetupService) Verify() SetupReport {
	report := SetupReport{OK: true}
	add := func(c SetupCheck) {
		if !c.OK && c.Severity == SeverityError {
			report.OK = false
		}
		report.Checks = append(report.Checks, c)
	}

	if s.cfg == nil {
		add(SetupCheck{Name: "config", Severity: SeverityError, Message: "configuration not loaded"})
		return report
	}

	add(s.checkCredential("xai_api_key", s.cfg.XAIAPIKey, "XAI_API_KEY required for content generation"))
	add(s.checkPublisher())
	add(s.checkAccounts())
	add(s.checkDraftsDir())
	add(s.checkFFmpeg())
	if s.cfg.MediaSource == config.MediaSourceLibrary {
		add(s.checkAssetMapping())
	}
	for _, account := range models.DefaultAccounts {
		add(s.checkPersona(account))
	}
	return report
}

func (s *SetupService) checkCredential(name, value, hint string) SetupCheck {
	if !config.IsSet(value) {
		return SetupCheck{Name: name, Severity: SeverityError, Message: hint}
	}
	return SetupCheck{Name: name, OK: true}
}

func (s *SetupService) checkPublisher() SetupCheck {
	switch s.cfg.Publisher {
	case config.PublisherBuffer:
		if !config.IsSet(s.cfg.BufferAccessToken) {
			return SetupCheck{Name: "publisher", Severity: SeverityError, Message: "BUFFER_ACCESS_TOKEN required for PUBLISHER=buffer"}
		}
		if s.cfg.MinioEndpoint == "" {
			return SetupCheck{Name: "publisher", Severity: SeverityWarning, Message: "MINIO_ENDPOINT not set; Buffer posts with media will be rejected"}
		}
	default:
		if !config.IsSet(s.cfg.LateAPIKey) {
			return SetupCheck{Name: "publisher", Severity: SeverityError, Message: "LATE_API_KEY required for publishing"}
		}
	}
	return SetupCheck{Name: "publisher", OK: true, Message: s.cfg.Publisher}
}

// checkAccounts 至少有一个账号配置了真实的目标 ID
func (s *SetupService) checkAccounts() SetupCheck {
	path := s.cfg.AccountsFile()
	accounts, err := publish.LoadAccounts(path)
	if err != nil {
		return SetupCheck{Name: "accounts", Severity: SeverityError, Message: err.Error()}
	}
	for _, acc := range accounts {
		if len(acc.LateDestinations()) > 0 || len(acc.BufferProfiles()) > 0 {
			return SetupCheck{Name: "accounts", OK: true}
		}
	}
	return SetupCheck{Name: "accounts", Severity: SeverityError,
		Message: fmt.Sprintf("%s needs at least one real account ID", filepath.Base(path))}
}

func (s *SetupService) checkDraftsDir() SetupCheck {
	if err := os.MkdirAll(s.cfg.DraftsDir, 0755); err != nil {
		return SetupCheck{Name: "drafts_dir", Severity: SeverityError, Message: err.Error()}
	}
	probe, err := os.CreateTemp(s.cfg.DraftsDir, ".probe-*")
	if err != nil {
		return SetupCheck{Name: "drafts_dir", Severity: SeverityError, Message: "drafts directory not writable: " + err.Error()}
	}
	probe.Close()
	os.Remove(probe.Name())
	return SetupCheck{Name: "drafts_dir", OK: true}
}

// checkFFmpeg ffmpeg 只在尺寸不符或素材库模式下需要
func (s *SetupService) checkFFmpeg() SetupCheck {
	if media.NewFFmpeg(s.cfg.FFmpegPath, s.cfg.FFprobePath).Available() {
		return SetupCheck{Name: "ffmpeg", OK: true}
	}
	severity := SeverityWarning
	if s.cfg.MediaSource == config.MediaSourceLibrary {
		severity = SeverityError
	}
	return SetupCheck{Name: "ffmpeg", Severity: severity, Message: "ffmpeg not on PATH; install it for video assembly"}
}

func (s *SetupService) checkAssetMapping() SetupCheck {
	lib := media.NewLibraryAssembler(s.cfg.AssetMappingFile(), s.cfg.AssetsDir, nil)
	mapping, err := lib.LoadMapping()
	if err != nil {
		return SetupCheck{Name: "asset_mapping", Severity: SeverityError, Message: err.Error()}
	}
	return SetupCheck{Name: "asset_mapping", OK: true, Message: fmt.Sprintf("%d assets", len(mapping))}
}

// checkPersona 人设文件缺失时生成仍可进行，只给出警告
func (s *SetupService) checkPersona(account string) SetupCheck {
	name := "persona:" + account
	data, err := os.ReadFile(filepath.Join(s.cfg.PersonasDir, account+".yaml"))
	if err != nil {
		return SetupCheck{Name: name, Severity: SeverityWarning, Message: "persona file missing"}
	}
	var parsed interface{}
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return SetupCheck{Name: name, Severity: SeverityWarning, Message: "persona is not valid YAML: " + err.Error()}
	}
	return SetupCheck{Name: name, OK: true}
}
