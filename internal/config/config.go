// internal/config/config.go
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// 当前配置的单例实例
var (
	currentConfig *AppConfig
	configMutex   sync.RWMutex
)

// 媒体来源
const (
	MediaSourceImagine = "imagine"
	MediaSourceLibrary = "library"
)

// 发布通道
const (
	PublisherLate   = "late"
	PublisherBuffer = "buffer"
)

// AppConfig 包含应用程序的所有配置
type AppConfig struct {
	// 基础配置
	Port      string `json:"port"`
	DataDir   string `json:"data_dir"`
	LogDir    string `json:"log_dir"`
	DebugMode bool   `json:"debug_mode"`

	// 目录布局
	DraftsDir   string `json:"drafts_dir"`
	PersonasDir string `json:"personas_dir"`
	ConfigDir   string `json:"config_dir"`
	AssetsDir   string `json:"assets_dir"`

	// LLM / xAI
	XAIAPIKey  string `json:"-"`
	XAIBaseURL string `json:"xai_base_url"`
	LLMModel   string `json:"llm_model"`

	// 媒体
	MediaSource string `json:"media_source"`
	FFmpegPath  string `json:"ffmpeg_path"`
	FFprobePath string `json:"ffprobe_path"`

	// 发布
	Publisher         string `json:"publisher"`
	LateAPIKey        string `json:"-"`
	LateBaseURL       string `json:"late_base_url"`
	BufferAccessToken string `json:"-"`

	// 对象存储（Buffer 需要公开可访问的媒体地址）
	MinioEndpoint  string `json:"minio_endpoint"`
	MinioAccessKey string `json:"-"`
	MinioSecretKey string `json:"-"`
	MinioBucket    string `json:"minio_bucket"`
	MinioUseSSL    bool   `json:"minio_use_ssl"`
	MinioPublicURL string `json:"minio_public_url"`

	// 任务
	JobRetention time.Duration `json:"job_retention"`
}

// Load 从环境变量加载配置
func Load() (*AppConfig, error) {
	// .env 文件是可选的
	_ = godotenv.Load()

	dataDir := getEnv("DATA_DIR", ".")
	cfg := &AppConfig{
		Port:      getEnv("PORT", "5001"),
		DataDir:   dataDir,
		LogDir:    getEnv("LOG_DIR", filepath.Join(dataDir, "logs")),
		DebugMode: getEnvBool("DEBUG_MODE", false),

		DraftsDir:   getEnvPath("DRAFTS_DIR", filepath.Join(dataDir, "drafts")),
		PersonasDir: getEnv("PERSONAS_DIR", filepath.Join(dataDir, "personas")),
		ConfigDir:   getEnv("CONFIG_DIR", filepath.Join(dataDir, "config")),
		AssetsDir:   getEnv("ASSETS_DIR", filepath.Join(dataDir, "assets")),

		XAIAPIKey:  getEnv("XAI_API_KEY", ""),
		XAIBaseURL: getEnv("XAI_BASE_URL", "https://api.x.ai/v1"),
		LLMModel:   getEnv("LLM_MODEL", "grok-4"),

		MediaSource: strings.ToLower(getEnv("MEDIA_SOURCE", MediaSourceImagine)),
		FFmpegPath:  getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath: getEnv("FFPROBE_PATH", "ffprobe"),

		Publisher:         strings.ToLower(getEnv("PUBLISHER", PublisherLate)),
		LateAPIKey:        getEnv("LATE_API_KEY", ""),
		LateBaseURL:       getEnv("LATE_BASE_URL", "https://getlate.dev/api/v1"),
		BufferAccessToken: getEnv("BUFFER_ACCESS_TOKEN", ""),

		MinioEndpoint:  getEnv("MINIO_ENDPOINT", ""),
		MinioAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getEnv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getEnv("MINIO_BUCKET", "drafts-media"),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),
		MinioPublicURL: getEnv("MINIO_PUBLIC_URL", ""),

		JobRetention: getEnvDuration("JOB_RETENTION", 24*time.Hour),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if !IsSet(cfg.XAIAPIKey) {
		// 只记录警告，生成/重试时才会返回 ConfigMissing
		log.Println("警告: 未设置 XAI_API_KEY，生成与重试将不可用")
	}

	return cfg, nil
}

// Validate 检查枚举型配置
func (c *AppConfig) Validate() error {
	switch c.MediaSource {
	case MediaSourceImagine, MediaSourceLibrary:
	default:
		return fmt.Errorf("未知的 MEDIA_SOURCE: %q", c.MediaSource)
	}
	switch c.Publisher {
	case PublisherLate, PublisherBuffer:
	default:
		return fmt.Errorf("未知的 PUBLISHER: %q", c.Publisher)
	}
	if c.JobRetention <= 0 {
		return fmt.Errorf("JOB_RETENTION 必须为正数")
	}
	return nil
}

// AccountsFile 返回发布账号配置路径
func (c *AppConfig) AccountsFile() string {
	return filepath.Join(c.ConfigDir, "accounts.yaml")
}

// AssetMappingFile 返回素材映射配置路径
func (c *AppConfig) AssetMappingFile() string {
	return filepath.Join(c.ConfigDir, "asset_mapping.yaml")
}

// IsSet 判断凭据是否为真实值（空值和 your_xxx 占位符视为未设置）
func IsSet(value string) bool {
	v := strings.TrimSpace(value)
	return v != "" && !strings.HasPrefix(strings.ToLower(v), "your_")
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvPath 获取路径类环境变量并确保目录存在
func getEnvPath(key, defaultValue string) string {
	path := getEnv(key, defaultValue)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(path, 0755); err != nil {
			log.Printf("警告: 创建目录失败 %s: %v", path, err)
		}
	}

	return path
}

// getEnvBool 获取布尔类型环境变量
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	return value == "true" || value == "1" || value == "yes"
}

// getEnvDuration 支持 "24h" 形式，也接受纯数字秒数
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	log.Printf("警告: 无法解析 %s=%q，使用默认值 %s", key, value, defaultValue)
	return defaultValue
}

// InitConfig 初始化配置单例
func InitConfig() (*AppConfig, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	configMutex.Lock()
	currentConfig = cfg
	configMutex.Unlock()

	return cfg, nil
}

// GetCurrentConfig 返回当前配置的副本
func GetCurrentConfig() *AppConfig {
	configMutex.RLock()
	defer configMutex.RUnlock()

	if currentConfig == nil {
		cfg, err := Load()
		if err != nil {
			log.Printf("警告: 加载配置失败: %v", err)
			return &AppConfig{}
		}
		return cfg
	}

	configCopy := *currentConfig
	return &configCopy
}
