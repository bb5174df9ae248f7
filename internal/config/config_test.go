package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setBaseEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DATA_DIR", dir)
	t.Setenv("DRAFTS_DIR", filepath.Join(dir, "drafts"))
	t.Setenv("MEDIA_SOURCE", "")
	t.Setenv("PUBLISHER", "")
	t.Setenv("JOB_RETENTION", "")
	return dir
}

func TestLoadDefaults(t *testing.T) {
	dir := setBaseEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.MediaSource != MediaSourceImagine || cfg.Publisher != PublisherLate {
		t.Errorf("默认媒体来源/发布通道不符: %s / %s", cfg.MediaSource, cfg.Publisher)
	}
	if cfg.JobRetention != 24*time.Hour {
		t.Errorf("默认任务保留时间应为 24h，实际 %s", cfg.JobRetention)
	}
	if _, err := os.Stat(filepath.Join(dir, "drafts")); err != nil {
		t.Errorf("草稿目录应该已被创建: %v", err)
	}
	if cfg.AccountsFile() != filepath.Join(cfg.ConfigDir, "accounts.yaml") {
		t.Errorf("账号配置路径不符: %s", cfg.AccountsFile())
	}
}

func TestLoadRejectsUnknownEnums(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("PUBLISHER", "myspace")
	if _, err := Load(); err == nil {
		t.Fatal("未知 PUBLISHER 应该返回错误")
	}

	t.Setenv("PUBLISHER", "buffer")
	t.Setenv("MEDIA_SOURCE", "Library")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.MediaSource != MediaSourceLibrary {
		t.Errorf("MEDIA_SOURCE 应该不区分大小写，实际 %s", cfg.MediaSource)
	}
}

func TestJobRetentionParsing(t *testing.T) {
	setBaseEnv(t)

	t.Setenv("JOB_RETENTION", "90")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.JobRetention != 90*time.Second {
		t.Errorf("纯数字应按秒解析，实际 %s", cfg.JobRetention)
	}

	t.Setenv("JOB_RETENTION", "2h")
	cfg, _ = Load()
	if cfg.JobRetention != 2*time.Hour {
		t.Errorf("期望 2h，实际 %s", cfg.JobRetention)
	}
}

func TestIsSet(t *testing.T) {
	cases := map[string]bool{
		"":                  false,
		"   ":               false,
		"your_xai_api_key":  false,
		"YOUR_LATE_API_KEY": false,
		"xai-abc123":        true,
	}
	for value, want := range cases {
		if got := IsSet(value); got != want {
			t.Errorf("IsSet(%q) = %v，期望 %v", value, got, want)
		}
	}
}
