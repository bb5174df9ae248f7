// cmd/server/main.go
package main

import (
	"log"
	"os"

	"github.com/Corphon/NostalgiaPipeline/internal/app"
	"github.com/Corphon/NostalgiaPipeline/internal/config"
	"github.com/Corphon/NostalgiaPipeline/internal/services"
)

func main() {
	log.Println("🚀 启动 NostalgiaPipeline 服务器...")

	// 1. 加载配置
	cfg, err := config.InitConfig()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	log.Printf("✅ 配置加载完成，端口: %s", cfg.Port)

	// 2. 创建必要的目录
	createDirectories(cfg)
	log.Println("✅ 目录结构创建完成")

	// 3. 启动前检查，问题只记录不退出
	report := services.NewSetupService(cfg).Verify()
	for _, problem := range report.Problems() {
		log.Printf("⚠️ %s", problem)
	}
	if report.OK {
		log.Println("✅ 环境检查通过")
	}

	// 4. 初始化服务与路由
	if err := app.Initialize(cfg); err != nil {
		log.Fatalf("❌ 初始化失败: %v", err)
	}
	log.Printf("🔗 访问地址: http://localhost:%s/api/health", cfg.Port)

	// 5. 运行直到收到信号
	if err := app.Run(); err != nil {
		log.Fatalf("❌ %v", err)
	}
	log.Println("✅ 服务器优雅关闭完成")
}

// createDirectories 创建应用所需的目录结构
func createDirectories(cfg *config.AppConfig) {
	dirs := []string{
		cfg.DataDir,
		cfg.DraftsDir,
		cfg.PersonasDir,
		cfg.ConfigDir,
		cfg.LogDir,
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatalf("创建目录失败 %s: %v", dir, err)
		}
	}
}
