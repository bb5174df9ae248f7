// cmd/generate/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/Corphon/NostalgiaPipeline/internal/app"
	"github.com/Corphon/NostalgiaPipeline/internal/config"
	"github.com/Corphon/NostalgiaPipeline/internal/di"
	"github.com/Corphon/NostalgiaPipeline/internal/models"
	"github.com/Corphon/NostalgiaPipeline/internal/utils"
)

// 在命令行运行一次批量生成，并打印进度
func main() {
	count := flag.Int("count", 1, "drafts per account")
	accounts := flag.String("accounts", strings.Join(models.DefaultAccounts, ","), "comma-separated account names")
	noMedia := flag.Bool("no-media", false, "skip media assembly")
	flag.Parse()

	cfg, err := config.InitConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	// 控制台只保留进度输出
	utils.GetLogger().SetLogLevel(utils.WARNING)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	container := di.NewContainer()
	if err := app.InitServices(ctx, cfg, container); err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	jobs := container.Jobs()

	req := models.BatchRequest{Count: *count, NoMedia: *noMedia}
	for _, name := range strings.Split(*accounts, ",") {
		if name = strings.TrimSpace(name); name != "" {
			req.Accounts = append(req.Accounts, name)
		}
	}

	jobID, err := jobs.Start(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "start: %v\n", err)
		os.Exit(1)
	}
	updates, unsubscribe, err := jobs.Subscribe(jobID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "subscribe: %v\n", err)
		os.Exit(1)
	}
	defer unsubscribe()

	last := ""
	for job := range updates {
		line := fmt.Sprintf("[%3d%%] %s: %s", job.Progress, job.Step, job.Message)
		if line != last {
			fmt.Println(line)
			last = line
		}
	}
	jobs.Wait()

	final, err := jobs.Status(jobID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
	for _, id := range final.DraftIDs {
		fmt.Printf("  %s/%s\n", cfg.DraftsDir, id)
	}
	if final.Status == models.JobFailed {
		fmt.Fprintf(os.Stderr, "Error: %s\n", final.Error)
		os.Exit(1)
	}
	fmt.Println(final.Message)
}
