package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"solstice-agent/internal/app"
	"solstice-agent/internal/config"
	"solstice-agent/pkg/logger"
)

// main 是 Solstice 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("solsticed 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := flag.String("config", os.Getenv("SOLSTICE_CONFIG"), "path to the YAML config file")
	flag.Parse()

	// .env 不存在时忽略。
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.L().Error("关闭运行时失败", slog.Any("error", err))
		}
	}()

	logger.L().Info("solsticed started",
		slog.String("addr", cfg.Server.Address),
		slog.Any("agents", a.Router.Agents()),
	)
	return a.Serve(ctx)
}
