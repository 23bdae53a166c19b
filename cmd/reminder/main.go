package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"habittracker/internal/config"
	"habittracker/internal/pkg/logger"
	"habittracker/internal/pkg/metrics"
	"habittracker/internal/pkg/ratelimit"
	"habittracker/internal/pkg/scanlock"
	"habittracker/internal/pkg/telegram"
	"habittracker/internal/reminder"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// main 是独立提醒进程的入口函数。
//
// 与 API 同进程的扫描循环互斥（共享 Redis 单飞锁），用于
// 把提醒派发拆到单独部署的场景。-once 执行单个扫描周期后退出，
// 便于交给外部调度器（cron/systemd timer）驱动。
func main() {
	once := flag.Bool("once", false, "run a single scan cycle and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := gorm.Open(mysql.Open(cfg.MySQL.DSN), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		appLogger.Error("connect mysql failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		appLogger.Error("connect redis failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer rdb.Close()

	var gateway telegram.Gateway
	if cfg.Telegram.BotToken != "" {
		bot, err := telegram.NewBot(&cfg.Telegram, appLogger)
		if err != nil {
			appLogger.Error("init telegram bot failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		gateway = bot
	} else {
		appLogger.Warn("telegram bot token not set, reminders disabled")
	}

	limiter := ratelimit.NewRedisRateLimiter(rdb, appLogger,
		"habittracker:ratelimit:telegram_send", cfg.App.SendRate, cfg.App.SendBurst)
	lock := scanlock.NewLock(rdb, 2*cfg.App.ScanInterval)

	metrics.InitMetrics()

	scanner := reminder.NewScanner(
		reminder.NewGormStore(db),
		gateway,
		lock,
		limiter,
		appLogger,
		cfg.App.ScanInterval,
		cfg.App.WindowRadius,
		cfg.App.WorkerCount,
		cfg.App.QueueCapacity,
	)

	if *once {
		if err := scanner.RunOnce(ctx); err != nil {
			appLogger.Error("scan cycle failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		return
	}

	scanner.Run(ctx)
}
