package main

import (
	"context"
	"embed"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mitmhijack/internal/config"
	"mitmhijack/internal/gui"
	"mitmhijack/internal/httpapi"
	"mitmhijack/internal/logger"
	"mitmhijack/pkg/api"

	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"
)

//go:embed all:frontend/dist
var assets embed.FS

func main() {
	configPath := flag.String("config", "config.yaml", "配置文件路径")
	headless := flag.Bool("headless", false, "不启动窗口，仅提供 HTTP 控制接口")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "加载配置失败:", err)
		os.Exit(1)
	}
	log := logger.New(logger.Options{
		Level:    cfg.Log.Level,
		Writers:  cfg.Log.Writer,
		FilePath: cfg.Log.File,
	})

	if *headless {
		if err := runHeadless(cfg, log); err != nil {
			log.Err(err, "运行失败")
			os.Exit(1)
		}
		return
	}

	app := gui.NewApp(cfg, log)
	err = wails.Run(&options.App{
		Title:     "mitmhijack",
		Width:     1280,
		Height:    800,
		MinWidth:  960,
		MinHeight: 600,
		AssetServer: &assetserver.Options{
			Assets: assets,
		},
		OnStartup:     app.Startup,
		OnShutdown:    app.Shutdown,
		OnBeforeClose: app.BeforeClose,
		Bind: []any{
			app,
		},
	})
	if err != nil {
		log.Err(err, "窗口运行失败")
		os.Exit(1)
	}
}

// runHeadless 只开启 HTTP 控制接口，收到退出信号后释放资源
func runHeadless(cfg *config.Config, log logger.Logger) error {
	svc, err := api.NewService(cfg, log)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAPI.Addr,
		Handler:           httpapi.NewServer(svc, log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP 控制接口已开启", "addr", cfg.HTTPAPI.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("收到退出信号")
	case err = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if e := srv.Shutdown(shutdownCtx); e != nil {
		log.Warn("关闭 HTTP 控制接口失败", "error", e)
	}
	if e := svc.Close(shutdownCtx); e != nil {
		log.Warn("关闭服务失败", "error", e)
	}
	return err
}
