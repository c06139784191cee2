package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/domain"
)

const instanceColumns = `
	series_id,
	occurrence_date,
	target_table,
	target_ref,
	is_exception,
	exception_kind,
	original_start,
	original_end,
	exception_reason,
	exception_actor,
	exception_at,
	created_at
`

func (r *Repository) GetInstance(ctx context.Context, seriesID int64, occurrenceDate time.Time) (*domain.Instance, error) {
	query := `
		SELECT id, ` + instanceColumns + `
		FROM instances WHERE series_id = $1 AND occurrence_date = $2
	`

	ctx, cancel := r.queryCtx(ctx)
	defer cancel()

	inst := &domain.Instance{}
	row := r.dbpool.QueryRowContext(ctx, query, seriesID, occurrenceDate)
	if err := scanInstanceWithID(row, inst); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrInstanceNotFound
		}
		return nil, err
	}

	return inst, nil
}

func (r *Repository) GetInstanceByTarget(ctx context.Context, table string, ref int64) (*domain.Instance, error) {
	query := `
		SELECT id, ` + instanceColumns + `
		FROM instances WHERE target_table = $1 AND target_ref = $2
	`

	ctx, cancel := r.queryCtx(ctx)
	defer cancel()

	inst := &domain.Instance{}
	row := r.dbpool.QueryRowContext(ctx, query, table, ref)
	if err := scanInstanceWithID(row, inst); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrInstanceNotFound
		}
		return nil, err
	}

	return inst, nil
}

func scanInstanceWithID(row interface{ Scan(dst ...any) error }, inst *domain.Instance) error {
	var kind, reason, actor sql.NullString
	dst := []any{
		&inst.ID,
		&inst.SeriesID,
		&inst.OccurrenceDate,
		&inst.TargetTable,
		&inst.TargetRef,
		&inst.IsException,
		&kind,
		&inst.OriginalStart,
		&inst.OriginalEnd,
		&reason,
		&actor,
		&inst.ExceptionAt,
		&inst.CreatedAt,
	}
	if err := row.Scan(dst...); err != nil {
		return err
	}

	inst.ExceptionKind = domain.ExceptionKind(kind.String)
	inst.ExceptionReason = reason.String
	inst.ExceptionActor = actor.String
	return nil
}

func (r *Repository) ListInstances(ctx context.Context, seriesID int64, until time.Time) ([]*domain.Instance, error) {
	query := `
		SELECT id, ` + instanceColumns + `
		FROM instances
		WHERE series_id = $1 AND occurrence_date <= $2
		ORDER BY occurrence_date
	`

	ctx, cancel := r.queryCtx(ctx)
	defer cancel()

	rows, err := r.dbpool.QueryContext(ctx, query, seriesID, until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectInstances(rows)
}

func (r *Repository) ListSeriesInstances(ctx context.Context, seriesID int64, skipExceptions bool) ([]*domain.Instance, error) {
	query := `
		SELECT id, ` + instanceColumns + `
		FROM instances
		WHERE series_id = $1 AND ($2 = false OR is_exception = false)
		ORDER BY occurrence_date
	`

	ctx, cancel := r.queryCtx(ctx)
	defer cancel()

	rows, err := r.dbpool.QueryContext(ctx, query, seriesID, skipExceptions)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectInstances(rows)
}

func collectInstances(rows *sql.Rows) ([]*domain.Instance, error) {
	instances := []*domain.Instance{}
	for rows.Next() {
		inst := &domain.Instance{}
		if err := scanInstanceWithID(rows, inst); err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return instances, nil
}

func (r *Repository) CreateInstanceWithRecord(ctx context.Context, inst *domain.Instance, fields map[string]any) error {
	ctx, cancel := r.txCtx(ctx)
	defer cancel()

	tx, err := r.dbpool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ref, err := r.storage.CreateRecordTx(ctx, tx, inst.TargetTable, fields)
	if err != nil {
		return err
	}
	inst.TargetRef = &ref

	query := `
		INSERT INTO instances (series_id, occurrence_date, target_table, target_ref)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`

	args := []any{inst.SeriesID, inst.OccurrenceDate, inst.TargetTable, inst.TargetRef}
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&inst.ID, &inst.CreatedAt); err != nil {
		return mapInstanceError(err)
	}

	return tx.Commit()
}

func (r *Repository) CreateSkippedInstance(ctx context.Context, inst *domain.Instance) error {
	query := `
		INSERT INTO instances (
			series_id,
			occurrence_date,
			target_table,
			target_ref,
			is_exception,
			exception_kind,
			exception_reason,
			exception_at
		) VALUES ($1, $2, $3, NULL, true, $4, $5, $6)
		RETURNING id, created_at
	`

	ctx, cancel := r.queryCtx(ctx)
	defer cancel()

	args := []any{
		inst.SeriesID,
		inst.OccurrenceDate,
		inst.TargetTable,
		inst.ExceptionKind,
		inst.ExceptionReason,
		inst.ExceptionAt,
	}
	if err := r.dbpool.QueryRowContext(ctx, query, args...).Scan(&inst.ID, &inst.CreatedAt); err != nil {
		return mapInstanceError(err)
	}

	return nil
}

func (r *Repository) DeleteInstanceWithRecord(ctx context.Context, inst *domain.Instance) error {
	ctx, cancel := r.txCtx(ctx)
	defer cancel()

	tx, err := r.dbpool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if inst.TargetRef != nil {
		if err := r.storage.DeleteRecordTx(ctx, tx, inst.TargetTable, *inst.TargetRef); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM instances WHERE id = $1`, inst.ID); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *Repository) CancelInstance(ctx context.Context, inst *domain.Instance, reason, actor string) error {
	ctx, cancel := r.txCtx(ctx)
	defer cancel()

	tx, err := r.dbpool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if inst.TargetRef != nil {
		if err := r.storage.DeleteRecordTx(ctx, tx, inst.TargetTable, *inst.TargetRef); err != nil {
			return err
		}
	}

	query := `
		UPDATE instances
		SET target_ref = NULL,
			is_exception = true,
			exception_kind = $1,
			exception_reason = $2,
			exception_actor = $3,
			exception_at = NOW()
		WHERE id = $4
	`

	args := []any{domain.ExceptionCancelled, reason, actor, inst.ID}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	inst.TargetRef = nil
	inst.IsException = true
	inst.ExceptionKind = domain.ExceptionCancelled
	inst.ExceptionReason = reason
	inst.ExceptionActor = actor
	return nil
}

func (r *Repository) MarkRescheduled(ctx context.Context, inst *domain.Instance, newRange domain.TimeRange, actor string) error {
	if inst.TargetRef == nil {
		return domain.ErrInstanceNotFound
	}

	ad, ok := r.storage.Adapter(inst.TargetTable)
	if !ok {
		return domain.ErrInstanceNotFound
	}

	ctx, cancel := r.txCtx(ctx)
	defer cancel()

	tx, err := r.dbpool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// 首次改期时把目标记录当前的时间段保存为原始时间段
	if inst.OriginalStart == nil {
		var origStart, origEnd time.Time
		query := `SELECT ` + ad.StartColumn + `, ` + ad.EndColumn + ` FROM ` + ad.Table + ` WHERE id = $1`
		if err := tx.QueryRowContext(ctx, query, *inst.TargetRef).Scan(&origStart, &origEnd); err != nil {
			return err
		}
		inst.OriginalStart = &origStart
		inst.OriginalEnd = &origEnd
	}

	fields := map[string]any{
		ad.StartColumn: newRange.Start,
		ad.EndColumn:   newRange.End,
	}
	if err := r.storage.UpdateRecordTx(ctx, tx, inst.TargetTable, *inst.TargetRef, fields); err != nil {
		return err
	}

	query := `
		UPDATE instances
		SET is_exception = true,
			exception_kind = $1,
			original_start = $2,
			original_end = $3,
			exception_actor = $4,
			exception_at = NOW()
		WHERE id = $5
	`

	args := []any{domain.ExceptionRescheduled, inst.OriginalStart, inst.OriginalEnd, actor, inst.ID}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	inst.IsException = true
	inst.ExceptionKind = domain.ExceptionRescheduled
	inst.ExceptionActor = actor
	return nil
}

func (r *Repository) MarkModified(ctx context.Context, inst *domain.Instance, fields map[string]any, actor string) error {
	if inst.TargetRef == nil {
		return domain.ErrInstanceNotFound
	}

	ctx, cancel := r.txCtx(ctx)
	defer cancel()

	tx, err := r.dbpool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := r.storage.UpdateRecordTx(ctx, tx, inst.TargetTable, *inst.TargetRef, fields); err != nil {
		return err
	}

	query := `
		UPDATE instances
		SET is_exception = true,
			exception_kind = $1,
			exception_actor = $2,
			exception_at = NOW()
		WHERE id = $3
	`

	args := []any{domain.ExceptionModified, actor, inst.ID}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	inst.IsException = true
	inst.ExceptionKind = domain.ExceptionModified
	inst.ExceptionActor = actor
	return nil
}

// mapInstanceError 把 (series_id, occurrence_date) 唯一约束的违反映射为
// ErrDuplicateInstance，重复物化由调用方按幂等处理
func mapInstanceError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		switch pgErr.ConstraintName {
		case "instances_series_occurrence_key":
			return domain.ErrDuplicateInstance
		}
	}
	return err
}
