package permission

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/config"
)

// Checker 是权限协作方的接口。系列的计划扩展以其原始创建者的身份继续，
// 创建者失去写权限时系列被暂停为 needs_attention 而不是硬失败
type Checker interface {
	CanWrite(ctx context.Context, username string, table string) (bool, error)
}

// PG 基于 users 表做检查：用户不存在或已停用时没有写权限
type PG struct {
	cfg *config.Config
	db  *sql.DB
}

func NewPG(cfg *config.Config, db *sql.DB) *PG {
	return &PG{
		cfg: cfg,
		db:  db,
	}
}

func (p *PG) CanWrite(ctx context.Context, username string, table string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(p.cfg.Database.QueryTimeout)*time.Second)
	defer cancel()

	query := `SELECT is_active FROM users WHERE username = $1`

	var isActive bool
	if err := p.db.QueryRowContext(ctx, query, username).Scan(&isActive); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}

	return isActive, nil
}
