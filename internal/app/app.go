// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/NostalgiaPipeline/internal/api"
	"github.com/Corphon/NostalgiaPipeline/internal/config"
	"github.com/Corphon/NostalgiaPipeline/internal/di"
	"github.com/Corphon/NostalgiaPipeline/internal/media"
	"github.com/Corphon/NostalgiaPipeline/internal/publish"
	"github.com/Corphon/NostalgiaPipeline/internal/services"
	"github.com/Corphon/NostalgiaPipeline/internal/storage"
	"github.com/Corphon/NostalgiaPipeline/internal/utils"
)

const (
	shutdownTimeout = 30 * time.Second
	// 关闭时等待后台批量任务的上限
	jobDrainTimeout = 2 * time.Minute
	logFileName     = "pipeline.log"
)

// httpServer 便于测试替换
type httpServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// App 管理服务生命周期
type App struct {
	config   *config.AppConfig
	router   http.Handler
	server   httpServer
	stopChan chan os.Signal
	cancel   context.CancelFunc
}

var (
	instance   *App
	instanceMu sync.Mutex
)

// GetApp 获取应用单例
func GetApp() *App {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance == nil {
		instance = &App{stopChan: make(chan os.Signal, 1)}
	}
	return instance
}

// Initialize 初始化日志、服务与路由
func Initialize(cfg *config.AppConfig) error {
	a := GetApp()
	a.config = cfg

	if err := initLogger(cfg.LogDir); err != nil {
		return fmt.Errorf("初始化日志系统失败: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	if err := InitServices(ctx, cfg, di.GetContainer()); err != nil {
		cancel()
		return fmt.Errorf("初始化服务失败: %w", err)
	}

	if !cfg.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router, err := api.SetupRouter(di.GetContainer())
	if err != nil {
		cancel()
		return fmt.Errorf("设置路由失败: %w", err)
	}
	a.router = router
	a.server = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// initLogger 日志写入 logDir/pipeline.log
func initLogger(logDir string) error {
	if logDir == "" {
		return nil
	}
	return utils.InitLogger(filepath.Join(logDir, logFileName))
}

// InitServices 按依赖顺序创建服务并注册到容器
func InitServices(ctx context.Context, cfg *config.AppConfig, container *di.Container) error {
	logger := utils.GetLogger()

	store, err := storage.NewDraftStore(cfg.DraftsDir)
	if err != nil {
		return err
	}
	container.Register(di.ServiceDrafts, store)

	llmService := services.NewLLMService(cfg)
	if !llmService.IsReady() {
		logger.Warn("LLM service not ready", utils.Fields{"state": llmService.GetReadyState()})
	}
	container.Register(di.ServiceLLM, llmService)

	assembler, err := media.NewAssembler(cfg)
	if err != nil {
		return err
	}

	// 发布通道初始化失败不阻止启动，发布时返回 ConfigMissing
	var publisher publish.Publisher
	if p, err := publish.NewPublisher(cfg); err != nil {
		logger.Warn("publisher unavailable", utils.Fields{"publisher": cfg.Publisher, "error": err.Error()})
	} else {
		publisher = p
	}

	locks := services.NewLockManager()
	container.Register(di.ServiceLocks, locks)

	generation := services.NewGenerationService(store, llmService, assembler, cfg.PersonasDir)
	container.Register(di.ServiceGenerator, generation)

	jobs := services.NewJobTracker(generation)
	jobs.StartJanitor(ctx, cfg.JobRetention)
	container.Register(di.ServiceJobs, jobs)

	container.Register(di.ServiceRetry, services.NewRetryService(store, llmService, assembler, locks))
	container.Register(di.ServicePublish, services.NewPublishService(store, publisher, locks))
	container.Register(di.ServiceSetup, services.NewSetupService(cfg))

	logger.Info("services initialized", utils.Fields{
		"services":     len(container.GetNames()),
		"media_source": cfg.MediaSource,
		"publisher":    cfg.Publisher,
	})
	return nil
}

// Run 启动HTTP服务，收到信号后优雅关闭
func Run() error {
	a := GetApp()
	if a.server == nil {
		return errors.New("应用未初始化")
	}

	signal.Notify(a.stopChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(a.stopChan)

	serverErr := make(chan error, 1)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	if a.config != nil {
		utils.GetLogger().Infof("server listening on :%s", a.config.Port)
	}

	select {
	case err := <-serverErr:
		a.cleanup()
		return fmt.Errorf("启动服务器失败: %w", err)
	case sig := <-a.stopChan:
		utils.GetLogger().Info("shutting down", utils.Fields{"signal": sig.String()})
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil {
		a.cleanup()
		return fmt.Errorf("服务器强制关闭: %w", err)
	}

	a.cleanup()
	return nil
}

// Cleanup 释放资源
func Cleanup() {
	GetApp().cleanup()
}

func (a *App) cleanup() {
	if a.cancel != nil {
		a.cancel()
	}

	if jobs := di.GetContainer().Jobs(); jobs != nil {
		done := make(chan struct{})
		go func() {
			jobs.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(jobDrainTimeout):
			utils.GetLogger().Warn("background jobs still running at exit", utils.Fields{"jobs": jobs.Len()})
		}
	}

	utils.CloseLogger()
}

// GetConfig 获取应用配置
func (a *App) GetConfig() *config.AppConfig {
	return a.config
}

// GetDIContainer 获取依赖注入容器
func GetDIContainer() *di.Container {
	return di.GetContainer()
}

// IsDebugMode 是否处于调试模式
func IsDebugMode() bool {
	instanceMu.Lock()
	a := instance
	instanceMu.Unlock()
	return a != nil && a.config != nil && a.config.DebugMode
}
