package main

import (
	"context"
	"database/sql"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/config"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/engine"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/lock"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/notifier"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/permission"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/repository"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/seed"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/storage"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	var userCount int
	var seriesCount int

	flag.IntVar(&userCount, "users", 10, "要插入的随机用户数量")
	flag.IntVar(&seriesCount, "series", 5, "要插入的演示系列数量")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// 读取配置文件
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("无法读取配置文件", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 创建数据库连接池
	dbpool, err := sql.Open("pgx", cfg.Database.DSN)
	if err != nil {
		logger.Error("无法创建数据库连接池", "error", err)
		return
	}
	defer dbpool.Close()

	dbpool.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	dbpool.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	dbpool.SetConnMaxIdleTime(time.Duration(cfg.Database.MaxIdleTime) * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Database.ConnectTimeout)*time.Second)
	defer cancel()

	// sql.Open 只是创建数据库连接池对象，并不会立即连接到数据库，因此需要显式地 ping 一下
	if err := dbpool.PingContext(ctx); err != nil {
		logger.Error("无法连接到数据库", "error", err)
		return
	}

	// 组装引擎：种子脚本在进程内跑，不需要 redis 和 rabbitmq
	store := storage.NewPostgres(cfg, dbpool, storage.DefaultRegistry())
	repo := repository.NewRepository(cfg, dbpool, store)
	eng := engine.New(
		cfg,
		repo,
		store,
		permission.NewPG(cfg, dbpool),
		notifier.Noop{},
		lock.NewLocal(),
	)

	seed.SeedDemoData(cfg, repo, eng, userCount, seriesCount)
}
