package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/domain"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/storage"
)

// CancelOccurrence 取消某一次：删除目标记录，instance 标记为 cancelled 保留。
// 目标记录已经不存在（此前已取消）时按幂等处理直接返回成功
func (e *Engine) CancelOccurrence(ctx context.Context, table string, targetRef int64, reason, actor string) error {
	inst, err := e.store.GetInstanceByTarget(ctx, table, targetRef)
	if err != nil {
		if errors.Is(err, domain.ErrInstanceNotFound) {
			// 取消会把目标引用置空，重复取消因此查不到 instance
			return nil
		}
		return err
	}

	if inst.ExceptionKind == domain.ExceptionCancelled {
		return nil
	}
	if !domain.CanTransition(inst.ExceptionKind, domain.ExceptionCancelled) {
		return fmt.Errorf("%w: %s -> cancelled", domain.ErrInvalidTransition, inst.ExceptionKind)
	}

	return e.store.CancelInstance(ctx, inst, reason, actor)
}

// RescheduleOccurrence 把某一次改到新的时间段。
// 首次改期时保留原始时间段，改期后的 instance 不再跟随系列规则
func (e *Engine) RescheduleOccurrence(ctx context.Context, table string, targetRef int64, newRange domain.TimeRange, actor string) error {
	if !newRange.End.After(newRange.Start) {
		return fmt.Errorf("改期后的结束时间必须晚于开始时间")
	}

	inst, err := e.store.GetInstanceByTarget(ctx, table, targetRef)
	if err != nil {
		return err
	}

	if !domain.CanTransition(inst.ExceptionKind, domain.ExceptionRescheduled) {
		return fmt.Errorf("%w: %s -> rescheduled", domain.ErrInvalidTransition, inst.ExceptionKind)
	}

	return e.store.MarkRescheduled(ctx, inst, newRange, actor)
}

// UpdateOccurrence 编辑某一次的目标记录字段。
// 编辑后的字段与系列模板一致时不算偏离，只是普通的记录更新；
// 有任何字段偏离模板时 instance 标记为 modified，之后的模板更新不再覆盖它。
// 已经是 modified 的 instance 改回与模板一致不会自动回到跟随状态，
// 偏离的判定只在编辑时刻做一次
func (e *Engine) UpdateOccurrence(ctx context.Context, table string, targetRef int64, fields map[string]any, actor string) error {
	inst, err := e.store.GetInstanceByTarget(ctx, table, targetRef)
	if err != nil {
		return err
	}

	series, err := e.store.GetSeries(ctx, inst.SeriesID)
	if err != nil {
		return err
	}

	writable, err := e.storage.WritableFields(ctx, table)
	if err != nil {
		return err
	}
	if err := storage.ValidateTemplate(fields, writable); err != nil {
		return err
	}

	if !divergesFromTemplate(fields, series.Template) {
		return e.storage.UpdateRecord(ctx, table, targetRef, fields)
	}

	if !domain.CanTransition(inst.ExceptionKind, domain.ExceptionModified) {
		return fmt.Errorf("%w: %s -> modified", domain.ErrInvalidTransition, inst.ExceptionKind)
	}

	return e.store.MarkModified(ctx, inst, fields, actor)
}

// GetOccurrence 查询某个目标记录对应的 instance
func (e *Engine) GetOccurrence(ctx context.Context, table string, targetRef int64) (*domain.Instance, error) {
	return e.store.GetInstanceByTarget(ctx, table, targetRef)
}

// GetOccurrenceByDate 按系列和本地日期查询 instance，
// 取消和冲突跳过的 occurrence（目标引用为空）也能查到
func (e *Engine) GetOccurrenceByDate(ctx context.Context, seriesID int64, occurrenceDate time.Time) (*domain.Instance, error) {
	return e.store.GetInstance(ctx, seriesID, occurrenceDate)
}

// divergesFromTemplate 判断编辑的字段是否偏离系列模板。
// 只比较编辑涉及的字段，未提及的字段不参与判定
func divergesFromTemplate(fields, template map[string]any) bool {
	for k, v := range fields {
		tv, ok := template[k]
		if !ok {
			return true
		}
		if !reflect.DeepEqual(normalizeValue(v), normalizeValue(tv)) {
			return true
		}
	}
	return false
}

// normalizeValue 统一 JSON 反序列化产生的数值表示再比较
func normalizeValue(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	default:
		return v
	}
}
