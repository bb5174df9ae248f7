// cmd/verify/main.go
package main

import (
	"fmt"
	"os"

	"github.com/Corphon/NostalgiaPipeline/internal/config"
	"github.com/Corphon/NostalgiaPipeline/internal/services"
)

// 检查凭据、账号配置、ffmpeg 与人设文件；有错误项时退出码为 1
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	report := services.NewSetupService(cfg).Verify()
	for _, check := range report.Checks {
		mark := "ok  "
		if !check.OK {
			mark = check.Severity
		}
		line := fmt.Sprintf("[%-7s] %s", mark, check.Name)
		if check.Message != "" {
			line += ": " + check.Message
		}
		fmt.Println(line)
	}

	if !report.OK {
		fmt.Println("\nSetup incomplete.")
		os.Exit(1)
	}
	fmt.Println("\nSetup OK.")
}
