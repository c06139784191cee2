package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/conflict"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/config"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/domain"
)

// Postgres 是目标记录存储的 Postgres 绑定。
// 目标表和引擎的元数据表在同一个数据库中，物化时可以共用一个事务
type Postgres struct {
	cfg      *config.Config
	db       *sql.DB
	registry Registry
}

func NewPostgres(cfg *config.Config, db *sql.DB, registry Registry) *Postgres {
	return &Postgres{
		cfg:      cfg,
		db:       db,
		registry: registry,
	}
}

func (s *Postgres) Adapter(table string) (TableAdapter, bool) {
	return s.registry.Adapter(table)
}

func (s *Postgres) adapter(table string) (TableAdapter, error) {
	ad, ok := s.registry.Adapter(table)
	if !ok {
		return TableAdapter{}, fmt.Errorf("目标表 %s 没有在注册表中绑定", table)
	}
	return ad, nil
}

// execer 同时被 *sql.DB 和 *sql.Tx 满足，
// 使得记录的插入既可以独立执行也可以加入调用方的事务
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Postgres) CreateRecord(ctx context.Context, table string, fields map[string]any) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.Database.QueryTimeout)*time.Second)
	defer cancel()

	return s.createRecord(ctx, s.db, table, fields)
}

// CreateRecordTx 在调用方的事务中插入目标记录（物化时与 instance 行一起提交）
func (s *Postgres) CreateRecordTx(ctx context.Context, tx *sql.Tx, table string, fields map[string]any) (int64, error) {
	return s.createRecord(ctx, tx, table, fields)
}

func (s *Postgres) createRecord(ctx context.Context, q execer, table string, fields map[string]any) (int64, error) {
	ad, err := s.adapter(table)
	if err != nil {
		return 0, err
	}

	cols, args, err := columnList(ad, fields)
	if err != nil {
		return 0, err
	}

	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	// 列名已经通过白名单校验，可以安全地拼进 SQL
	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) RETURNING id",
		ad.Table, strings.Join(cols, ", "), strings.Join(placeholders, ", "),
	)

	var id int64
	if err := q.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, mapConstraintError(err)
	}

	return id, nil
}

func (s *Postgres) UpdateRecord(ctx context.Context, table string, ref int64, fields map[string]any) error {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.Database.QueryTimeout)*time.Second)
	defer cancel()

	return s.updateRecord(ctx, s.db, table, ref, fields)
}

// UpdateRecordTx 在调用方的事务中更新目标记录
func (s *Postgres) UpdateRecordTx(ctx context.Context, tx *sql.Tx, table string, ref int64, fields map[string]any) error {
	return s.updateRecord(ctx, tx, table, ref, fields)
}

func (s *Postgres) updateRecord(ctx context.Context, q execer, table string, ref int64, fields map[string]any) error {
	ad, err := s.adapter(table)
	if err != nil {
		return err
	}

	cols, args, err := columnList(ad, fields)
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		return nil
	}

	assignments := make([]string, len(cols))
	for i, col := range cols {
		assignments[i] = fmt.Sprintf("%s = $%d", col, i+1)
	}
	args = append(args, ref)

	query := fmt.Sprintf(
		"UPDATE %s SET %s WHERE id = $%d",
		ad.Table, strings.Join(assignments, ", "), len(args),
	)

	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return mapConstraintError(err)
	}

	return nil
}

func (s *Postgres) DeleteRecord(ctx context.Context, table string, ref int64) error {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.Database.QueryTimeout)*time.Second)
	defer cancel()

	return s.deleteRecord(ctx, s.db, table, ref)
}

// DeleteRecordTx 在调用方的事务中删除目标记录
func (s *Postgres) DeleteRecordTx(ctx context.Context, tx *sql.Tx, table string, ref int64) error {
	return s.deleteRecord(ctx, tx, table, ref)
}

func (s *Postgres) deleteRecord(ctx context.Context, q execer, table string, ref int64) error {
	ad, err := s.adapter(table)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", ad.Table)
	if _, err := q.ExecContext(ctx, query, ref); err != nil {
		return err
	}

	return nil
}

func (s *Postgres) WritableFields(ctx context.Context, table string) ([]string, error) {
	ad, err := s.adapter(table)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.Database.QueryTimeout)*time.Second)
	defer cancel()

	// 白名单是注册表与实际 schema 的交集：
	// 目标表被人改掉列之后，相应字段自动从白名单中消失（schema 漂移）
	query := `
		SELECT column_name
		FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = $1
	`

	rows, err := s.db.QueryContext(ctx, query, ad.Table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	live := make(map[string]bool)
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, err
		}
		live[col] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	writable := make([]string, 0, len(ad.Writable))
	for _, col := range ad.Writable {
		if live[col] {
			writable = append(writable, col)
		}
	}

	return writable, nil
}

func (s *Postgres) ListRanges(ctx context.Context, table string, scopeKey int64, from, until time.Time) ([]conflict.CommittedRange, error) {
	ad, err := s.adapter(table)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.Database.QueryTimeout)*time.Second)
	defer cancel()

	// 左闭右开的相交条件：start < until AND end > from
	query := fmt.Sprintf(
		"SELECT id, %s, %s FROM %s WHERE %s = $1 AND %s < $3 AND %s > $2 ORDER BY %s",
		ad.StartColumn, ad.EndColumn, ad.Table, ad.ScopeColumn, ad.StartColumn, ad.EndColumn, ad.StartColumn,
	)

	rows, err := s.db.QueryContext(ctx, query, scopeKey, from, until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ranges := []conflict.CommittedRange{}
	for rows.Next() {
		var cr conflict.CommittedRange
		if err := rows.Scan(&cr.Ref, &cr.Range.Start, &cr.Range.End); err != nil {
			return nil, err
		}
		ranges = append(ranges, cr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return ranges, nil
}

// columnList 校验字段名并按字典序排序，保证生成的 SQL 是确定的。
// 除白名单外还允许适配器声明的时间列（由物化器写入）
func columnList(ad TableAdapter, fields map[string]any) ([]string, []any, error) {
	allowed := make(map[string]bool, len(ad.Writable)+2)
	for _, col := range ad.Writable {
		allowed[col] = true
	}
	allowed[ad.StartColumn] = true
	allowed[ad.EndColumn] = true

	cols := make([]string, 0, len(fields))
	for col := range fields {
		if !allowed[col] {
			return nil, nil, fmt.Errorf("字段 %s 不在目标表 %s 的可写白名单中", col, ad.Table)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	args := make([]any, len(cols))
	for i, col := range cols {
		args[i] = fields[col]
	}

	return cols, args, nil
}

// mapConstraintError 把排他约束的违反（并发竞争下存储层的最终拒绝）
// 映射为领域错误，由物化器根据冲突策略处理而不是当作致命错误
func mapConstraintError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23P01" {
		return domain.ErrBookingConflict
	}
	return err
}
