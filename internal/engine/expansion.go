package engine

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/domain"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/storage"
)

// ExtendSeries 把一个系列向前物化到目标时间。
// 同一时刻只有一个持锁者在扩展同一个系列，锁被占用时直接返回零值
func (e *Engine) ExtendSeries(ctx context.Context, seriesID int64, until time.Time) (int, error) {
	release, ok, err := e.locker.Acquire(ctx, seriesLockKey(seriesID), e.lockTTL())
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	defer release()

	return e.extendLocked(ctx, seriesID, until)
}

// extendLocked 是扩展的主体，调用方必须已经持有系列锁。
//
// 在物化之前做两项健康检查：模板字段是否仍然在目标表的可写白名单内
// （schema 漂移），以及 group 所有者是否仍有目标表的写权限。
// 任一检查失败都把系列暂停为 needs_attention 并通知所有者，而不是报错，
// 调度循环因此不会被单个坏掉的系列卡住
func (e *Engine) extendLocked(ctx context.Context, seriesID int64, until time.Time) (int, error) {
	series, err := e.store.GetSeries(ctx, seriesID)
	if err != nil {
		return 0, err
	}

	if series.Status != domain.SeriesStatusActive || series.EffectiveUntil != nil {
		return 0, nil
	}

	// 扩展范围永远不超过硬性上限
	hardCap := time.Now().UTC().AddDate(0, 0, e.cfg.Engine.MaxHorizonDays)
	until = minTime(until, hardCap)
	if !until.After(series.MaterializedThrough) {
		return 0, nil
	}

	group, err := e.store.GetGroup(ctx, series.GroupID)
	if err != nil {
		return 0, err
	}

	writable, err := e.storage.WritableFields(ctx, series.TargetTable)
	if err != nil {
		return 0, err
	}
	if missing := storage.MissingFields(series.Template, writable); len(missing) > 0 {
		return 0, e.pauseSeries(ctx, series, &domain.NotificationMessage{
			Type: domain.NotificationSchemaDrift,
			To:   group.OwnerUsername,
			Data: domain.SchemaDriftData{
				SeriesID:      series.ID,
				GroupName:     group.Name,
				TargetTable:   series.TargetTable,
				MissingFields: missing,
			},
		})
	}

	allowed, err := e.perm.CanWrite(ctx, group.OwnerUsername, series.TargetTable)
	if err != nil {
		return 0, err
	}
	if !allowed {
		return 0, e.pauseSeries(ctx, series, &domain.NotificationMessage{
			Type: domain.NotificationPermissionLost,
			To:   group.OwnerUsername,
			Data: domain.PermissionLostData{
				SeriesID:    series.ID,
				GroupName:   group.Name,
				TargetTable: series.TargetTable,
			},
		})
	}

	result, err := e.materializeRange(ctx, series, series.MaterializedThrough, until)
	if err != nil {
		return 0, err
	}

	// 边界推进到本次实际处理的位置，被单次上限截断的尾部由下一轮继续
	if err := e.store.SetMaterializedThrough(ctx, series.ID, result.Through); err != nil {
		return 0, err
	}

	return result.Created, nil
}

// SweepExpansions 是后台扫描：找出物化边界落后的系列并逐个向前推进。
// 每个系列通过锁做原子认领，多副本部署时同一个系列只会被一个副本扩展；
// 单个系列的错误记录日志后继续，不中断整个扫描
func (e *Engine) SweepExpansions(ctx context.Context) {
	now := time.Now().UTC()
	lookahead := now.AddDate(0, 0, e.cfg.Engine.LookaheadDays)

	seriesList, err := e.store.ListExpandableSeries(ctx, lookahead)
	if err != nil {
		slog.Error("扫描待扩展系列失败", "error", err)
		return
	}

	for _, series := range seriesList {
		release, ok, err := e.locker.Acquire(ctx, seriesLockKey(series.ID), e.lockTTL())
		if err != nil {
			slog.Error("认领系列扩展失败", "seriesID", series.ID, "error", err)
			continue
		}
		if !ok {
			// 已被其他副本认领
			continue
		}

		// 每次只推进一个增量，上限为默认展开范围
		target := minTime(
			series.MaterializedThrough.AddDate(0, 0, e.cfg.Engine.ExtendIncrementDays),
			now.AddDate(0, 0, e.cfg.Engine.DefaultHorizonDays),
		)

		created, err := e.extendLocked(ctx, series.ID, target)
		release()
		if err != nil {
			slog.Error("扩展系列失败", "seriesID", series.ID, "error", err)
			continue
		}
		if created > 0 {
			slog.Info("后台扩展完成", "seriesID", series.ID, "created", created, "through", target)
		}
	}
}

// ListInstances 返回系列到 until 为止的全部 instance。
// 查询范围超过当前物化边界时先按需向前扩展，调用方永远看到完整的区间
func (e *Engine) ListInstances(ctx context.Context, seriesID int64, until time.Time) ([]*domain.Instance, error) {
	series, err := e.store.GetSeries(ctx, seriesID)
	if err != nil {
		return nil, err
	}

	if until.After(series.MaterializedThrough) && series.Status == domain.SeriesStatusActive && series.EffectiveUntil == nil {
		if _, err := e.ExtendSeries(ctx, seriesID, until); err != nil {
			return nil, err
		}
	}

	instances, err := e.store.ListInstances(ctx, seriesID, until)
	if err != nil {
		return nil, err
	}

	sort.Slice(instances, func(i, j int) bool {
		return instances[i].OccurrenceDate.Before(instances[j].OccurrenceDate)
	})

	return instances, nil
}

// ListGroupTimeline 把一个 group 全部版本的 instance 合并成一条按日期排序的
// 连续时间线，拆分对读取方因此是透明的
func (e *Engine) ListGroupTimeline(ctx context.Context, groupID int64, until time.Time) ([]*domain.Instance, error) {
	seriesList, err := e.store.ListSeriesByGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	timeline := []*domain.Instance{}
	for _, series := range seriesList {
		instances, err := e.ListInstances(ctx, series.ID, until)
		if err != nil {
			return nil, err
		}
		timeline = append(timeline, instances...)
	}

	sort.Slice(timeline, func(i, j int) bool {
		return timeline[i].OccurrenceDate.Before(timeline[j].OccurrenceDate)
	})

	return timeline, nil
}
