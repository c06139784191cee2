package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/domain"
)

func (r *Repository) CreateGroup(ctx context.Context, group *domain.ScheduleGroup) error {
	query := `
		INSERT INTO schedule_groups (name, description, color, owner_username)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`

	ctx, cancel := r.queryCtx(ctx)
	defer cancel()

	args := []any{group.Name, group.Description, group.Color, group.OwnerUsername}
	if err := r.dbpool.QueryRowContext(ctx, query, args...).Scan(&group.ID, &group.CreatedAt); err != nil {
		return err
	}

	return nil
}

func (r *Repository) GetGroup(ctx context.Context, id int64) (*domain.ScheduleGroup, error) {
	query := `
		SELECT name, description, color, owner_username, created_at
		FROM schedule_groups WHERE id = $1
	`

	ctx, cancel := r.queryCtx(ctx)
	defer cancel()

	group := &domain.ScheduleGroup{
		ID: id,
	}

	dst := []any{&group.Name, &group.Description, &group.Color, &group.OwnerUsername, &group.CreatedAt}
	if err := r.dbpool.QueryRowContext(ctx, query, id).Scan(dst...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrGroupNotFound
		}
		return nil, err
	}

	return group, nil
}

func (r *Repository) ListGroups(ctx context.Context) ([]*domain.ScheduleGroup, error) {
	query := `
		SELECT id, name, description, color, owner_username, created_at
		FROM schedule_groups
		ORDER BY created_at
	`

	ctx, cancel := r.queryCtx(ctx)
	defer cancel()

	rows, err := r.dbpool.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	groups := []*domain.ScheduleGroup{}
	for rows.Next() {
		group := &domain.ScheduleGroup{}
		dst := []any{&group.ID, &group.Name, &group.Description, &group.Color, &group.OwnerUsername, &group.CreatedAt}
		if err := rows.Scan(dst...); err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return groups, nil
}

func (r *Repository) CountSeriesInGroup(ctx context.Context, groupID int64) (int, error) {
	query := `
		SELECT COUNT(*) FROM series WHERE group_id = $1
	`

	ctx, cancel := r.queryCtx(ctx)
	defer cancel()

	var count int
	if err := r.dbpool.QueryRowContext(ctx, query, groupID).Scan(&count); err != nil {
		return 0, err
	}

	return count, nil
}

func (r *Repository) DeleteGroup(ctx context.Context, id int64) error {
	query := `
		DELETE FROM schedule_groups WHERE id = $1
	`

	ctx, cancel := r.queryCtx(ctx)
	defer cancel()

	if _, err := r.dbpool.ExecContext(ctx, query, id); err != nil {
		return err
	}

	return nil
}
