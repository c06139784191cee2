package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/config"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/storage"
)

// Repository 持有引擎元数据表（groups / series / instances / users）的访问，
// 目标记录的读写委托给 storage.Postgres，两者共享同一个连接池，
// 物化时目标记录和 instance 行可以在一个事务中提交
type Repository struct {
	cfg     *config.Config
	dbpool  *sql.DB
	storage *storage.Postgres
}

func NewRepository(cfg *config.Config, dbpool *sql.DB, st *storage.Postgres) *Repository {
	return &Repository{
		cfg:     cfg,
		dbpool:  dbpool,
		storage: st,
	}
}

func (r *Repository) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, time.Duration(r.cfg.Database.QueryTimeout)*time.Second)
}

func (r *Repository) txCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, time.Duration(r.cfg.Database.TransactionTimeout)*time.Second)
}
