package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/domain"
)

const seriesColumns = `
	group_id,
	version,
	effective_from,
	effective_until,
	target_table,
	template,
	rule,
	anchor,
	duration_seconds,
	timezone,
	status,
	conflict_policy,
	materialized_through,
	created_at,
	row_version
`

func scanSeries(row interface{ Scan(dst ...any) error }, series *domain.Series) error {
	var template []byte
	dst := []any{
		&series.GroupID,
		&series.Version,
		&series.EffectiveFrom,
		&series.EffectiveUntil,
		&series.TargetTable,
		&template,
		&series.Rule,
		&series.Anchor,
		&series.DurationSeconds,
		&series.Timezone,
		&series.Status,
		&series.ConflictPolicy,
		&series.MaterializedThrough,
		&series.CreatedAt,
		&series.RowVersion,
	}
	if err := row.Scan(dst...); err != nil {
		return err
	}

	return json.Unmarshal(template, &series.Template)
}

func (r *Repository) CreateSeries(ctx context.Context, series *domain.Series) error {
	query := `
		INSERT INTO series (
			group_id,
			version,
			effective_from,
			effective_until,
			target_table,
			template,
			rule,
			anchor,
			duration_seconds,
			timezone,
			status,
			conflict_policy,
			materialized_through
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, created_at, row_version
	`

	template, err := json.Marshal(series.Template)
	if err != nil {
		return err
	}

	ctx, cancel := r.queryCtx(ctx)
	defer cancel()

	params := []any{
		series.GroupID,
		series.Version,
		series.EffectiveFrom,
		series.EffectiveUntil,
		series.TargetTable,
		template,
		series.Rule,
		series.Anchor,
		series.DurationSeconds,
		series.Timezone,
		series.Status,
		series.ConflictPolicy,
		series.MaterializedThrough,
	}
	dst := []any{&series.ID, &series.CreatedAt, &series.RowVersion}
	if err := r.dbpool.QueryRowContext(ctx, query, params...).Scan(dst...); err != nil {
		return err
	}

	return nil
}

func (r *Repository) GetSeries(ctx context.Context, id int64) (*domain.Series, error) {
	query := `
		SELECT ` + seriesColumns + `
		FROM series WHERE id = $1
	`

	ctx, cancel := r.queryCtx(ctx)
	defer cancel()

	series := &domain.Series{
		ID: id,
	}

	if err := scanSeries(r.dbpool.QueryRowContext(ctx, query, id), series); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrSeriesNotFound
		}
		return nil, err
	}

	return series, nil
}

func (r *Repository) ListSeriesByGroup(ctx context.Context, groupID int64) ([]*domain.Series, error) {
	query := `
		SELECT id, ` + seriesColumns + `
		FROM series
		WHERE group_id = $1
		ORDER BY version
	`

	ctx, cancel := r.queryCtx(ctx)
	defer cancel()

	rows, err := r.dbpool.QueryContext(ctx, query, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectSeries(rows)
}

func (r *Repository) ListExpandableSeries(ctx context.Context, before time.Time) ([]*domain.Series, error) {
	query := `
		SELECT id, ` + seriesColumns + `
		FROM series
		WHERE status = $1 AND effective_until IS NULL AND materialized_through < $2
		ORDER BY materialized_through
	`

	ctx, cancel := r.queryCtx(ctx)
	defer cancel()

	rows, err := r.dbpool.QueryContext(ctx, query, domain.SeriesStatusActive, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectSeries(rows)
}

func collectSeries(rows *sql.Rows) ([]*domain.Series, error) {
	seriesList := []*domain.Series{}
	for rows.Next() {
		series := &domain.Series{}
		var template []byte
		dst := []any{
			&series.ID,
			&series.GroupID,
			&series.Version,
			&series.EffectiveFrom,
			&series.EffectiveUntil,
			&series.TargetTable,
			&template,
			&series.Rule,
			&series.Anchor,
			&series.DurationSeconds,
			&series.Timezone,
			&series.Status,
			&series.ConflictPolicy,
			&series.MaterializedThrough,
			&series.CreatedAt,
			&series.RowVersion,
		}
		if err := rows.Scan(dst...); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(template, &series.Template); err != nil {
			return nil, err
		}
		seriesList = append(seriesList, series)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return seriesList, nil
}

func (r *Repository) UpdateSeriesStatus(ctx context.Context, id int64, status domain.SeriesStatus) error {
	query := `
		UPDATE series SET status = $1, row_version = row_version + 1 WHERE id = $2
	`

	ctx, cancel := r.queryCtx(ctx)
	defer cancel()

	if _, err := r.dbpool.ExecContext(ctx, query, status, id); err != nil {
		return err
	}

	return nil
}

func (r *Repository) UpdateSeriesTemplate(ctx context.Context, id int64, template map[string]any) error {
	query := `
		UPDATE series SET template = $1, row_version = row_version + 1 WHERE id = $2
	`

	body, err := json.Marshal(template)
	if err != nil {
		return err
	}

	ctx, cancel := r.queryCtx(ctx)
	defer cancel()

	if _, err := r.dbpool.ExecContext(ctx, query, body, id); err != nil {
		return err
	}

	return nil
}

func (r *Repository) SetMaterializedThrough(ctx context.Context, id int64, through time.Time) error {
	// 边界只向前推进，并发的按需扩展不会把它往回拉
	query := `
		UPDATE series
		SET materialized_through = GREATEST(materialized_through, $1), row_version = row_version + 1
		WHERE id = $2
	`

	ctx, cancel := r.queryCtx(ctx)
	defer cancel()

	if _, err := r.dbpool.ExecContext(ctx, query, through, id); err != nil {
		return err
	}

	return nil
}

// SplitSeries 在一个事务中结束旧版本、插入新版本并把拆分日之后的 instance
// 改挂过去。中途失败整体回滚，group 不会出现没有当前版本的中间状态。
// 先结束旧版本再插入新版本，满足"每个 group 只有一个当前版本"的部分唯一约束
func (r *Repository) SplitSeries(ctx context.Context, oldID int64, until time.Time, truncatedRule string, newSeries *domain.Series, repointFrom time.Time) (int64, error) {
	template, err := json.Marshal(newSeries.Template)
	if err != nil {
		return 0, err
	}

	ctx, cancel := r.txCtx(ctx)
	defer cancel()

	tx, err := r.dbpool.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	terminate := `
		UPDATE series
		SET effective_until = $1, rule = $2, status = $3, row_version = row_version + 1
		WHERE id = $4
	`
	args := []any{until, truncatedRule, domain.SeriesStatusEnded, oldID}
	if _, err := tx.ExecContext(ctx, terminate, args...); err != nil {
		return 0, err
	}

	insert := `
		INSERT INTO series (
			group_id,
			version,
			effective_from,
			effective_until,
			target_table,
			template,
			rule,
			anchor,
			duration_seconds,
			timezone,
			status,
			conflict_policy,
			materialized_through
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, created_at, row_version
	`
	params := []any{
		newSeries.GroupID,
		newSeries.Version,
		newSeries.EffectiveFrom,
		newSeries.EffectiveUntil,
		newSeries.TargetTable,
		template,
		newSeries.Rule,
		newSeries.Anchor,
		newSeries.DurationSeconds,
		newSeries.Timezone,
		newSeries.Status,
		newSeries.ConflictPolicy,
		newSeries.MaterializedThrough,
	}
	dst := []any{&newSeries.ID, &newSeries.CreatedAt, &newSeries.RowVersion}
	if err := tx.QueryRowContext(ctx, insert, params...).Scan(dst...); err != nil {
		return 0, err
	}

	repoint := `
		UPDATE instances SET series_id = $1
		WHERE series_id = $2 AND occurrence_date >= $3
	`
	result, err := tx.ExecContext(ctx, repoint, newSeries.ID, oldID, repointFrom)
	if err != nil {
		return 0, err
	}
	repointed, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	return repointed, tx.Commit()
}

// DeleteSeriesCascade 在一个事务中删除系列可达的全部目标记录、
// instance 行和系列本身，不留孤儿目标记录
func (r *Repository) DeleteSeriesCascade(ctx context.Context, id int64) error {
	series, err := r.GetSeries(ctx, id)
	if err != nil {
		return err
	}

	ctx, cancel := r.txCtx(ctx)
	defer cancel()

	tx, err := r.dbpool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT target_ref FROM instances WHERE series_id = $1 AND target_ref IS NOT NULL`, id)
	if err != nil {
		return err
	}
	refs := []int64{}
	for rows.Next() {
		var ref int64
		if err := rows.Scan(&ref); err != nil {
			rows.Close()
			return err
		}
		refs = append(refs, ref)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, ref := range refs {
		if err := r.storage.DeleteRecordTx(ctx, tx, series.TargetTable, ref); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM instances WHERE series_id = $1`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM series WHERE id = $1`, id); err != nil {
		return err
	}

	return tx.Commit()
}
