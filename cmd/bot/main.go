package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ergashev/TeleComfy/internal/app"
	"github.com/ergashev/TeleComfy/internal/config"
	"github.com/ergashev/TeleComfy/internal/transport/telegram"
	logx "github.com/ergashev/TeleComfy/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	adapter, err := telegram.New(telegram.Config{
		Token:         cfg.Telegram.Token,
		AllowedChatID: cfg.Telegram.AllowedChatID,
		OwnerUserIDs:  cfg.Telegram.OwnerUserIDs,
		PollTimeout:   cfg.PollTimeoutDuration(),
	}, logx.NewConsole(cfg.Logging.Level))
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console == nil || *cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Telegram.AllowedChatID,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}, adapter)
	defer logSvc.Close()

	bot, err := app.New(cfg, adapter, log)
	if err != nil {
		log.Error("startup failed", logx.Err(err))
		os.Exit(1)
	}

	if err := bot.Run(ctx); err != nil {
		log.Error("fatal", logx.Err(err))
		os.Exit(1)
	}
}
