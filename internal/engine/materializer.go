package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/conflict"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/domain"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/recurrence"
)

// SkippedOccurrence 记录一次因冲突被跳过的 occurrence
type SkippedOccurrence struct {
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Reason string    `json:"reason"`
}

type materializeResult struct {
	Created            int
	Skipped            int
	SkippedOccurrences []SkippedOccurrence
	// Through 是本次调用实际处理到的边界：单次展开被上限截断时
	// 停在最后一个已处理的 occurrence，否则等于请求的 until
	Through time.Time
}

// materializeRange 把系列在 (from, until] 内的 occurrence 物化为目标记录和
// instance 行。每个 occurrence 是一个独立的事务，单个 occurrence 失败不影响
// 兄弟 occurrence 的提交状态；abort 策略是例外，此时整批通过补偿删除回滚。
//
// 冲突预检在写事务之外执行，天然存在竞争窗口；提交时存储层排他约束的拒绝
// （domain.ErrBookingConflict）与预检发现的冲突同样处理
func (e *Engine) materializeRange(ctx context.Context, series *domain.Series, from, until time.Time) (*materializeResult, error) {
	maxPerRun := e.cfg.Engine.MaxOccurrencesPerRun
	if maxPerRun <= 0 {
		maxPerRun = recurrence.DefaultMaxOccurrences
	}

	occurrences, err := recurrence.Expand(
		series.Rule, series.Anchor, series.Duration(), series.Timezone,
		from, until, maxPerRun,
	)
	if err != nil {
		return nil, err
	}

	// 单次展开被上限截断时边界只推进到最后一个已处理的 occurrence，
	// 剩余部分留给下一轮继续
	through := until
	if len(occurrences) == maxPerRun {
		through = occurrences[len(occurrences)-1].Start
	}

	loc, err := time.LoadLocation(series.Timezone)
	if err != nil {
		return nil, err
	}

	// 过滤掉生效区间之外的 occurrence（拆分之后旧版本只保留历史段）
	filtered := occurrences[:0]
	for _, occ := range occurrences {
		date := localDate(occ.Start, loc)
		if date.Before(localDate(series.EffectiveFrom, loc)) {
			continue
		}
		if series.EffectiveUntil != nil && date.After(*series.EffectiveUntil) {
			continue
		}
		filtered = append(filtered, occ)
	}
	occurrences = filtered

	result := &materializeResult{SkippedOccurrences: []SkippedOccurrence{}, Through: through}
	if len(occurrences) == 0 {
		return result, nil
	}

	ad, ok := e.storage.Adapter(series.TargetTable)
	if !ok {
		return nil, fmt.Errorf("目标表 %s 没有注册适配器", series.TargetTable)
	}

	preview := e.previewOccurrences(ctx, series, occurrences)

	// abort 策略：预检发现任何冲突就在写入之前整体拒绝
	if series.ConflictPolicy == domain.ConflictPolicyAbort {
		for i := range occurrences {
			if preview != nil && preview[i].HasConflict {
				return nil, fmt.Errorf("occurrence %s: %w", occurrences[i].Start.Format(time.RFC3339), domain.ErrBookingConflict)
			}
		}
	}

	committed := []*domain.Instance{}

	for i, occ := range occurrences {
		inst := &domain.Instance{
			SeriesID:       series.ID,
			OccurrenceDate: localDate(occ.Start, loc),
			TargetTable:    series.TargetTable,
		}

		if preview != nil && preview[i].HasConflict && series.ConflictPolicy == domain.ConflictPolicySkip {
			if err := e.skipOccurrence(ctx, inst, occ, result); err != nil {
				return nil, err
			}
			continue
		}

		fields := make(map[string]any, len(series.Template)+2)
		for k, v := range series.Template {
			fields[k] = v
		}
		fields[ad.StartColumn] = occ.Start
		fields[ad.EndColumn] = occ.End

		err := e.store.CreateInstanceWithRecord(ctx, inst, fields)
		switch {
		case err == nil:
			result.Created++
			committed = append(committed, inst)
		case errors.Is(err, domain.ErrDuplicateInstance):
			// 该 occurrence 已经物化过：重试和重复展开按幂等处理
			continue
		case errors.Is(err, domain.ErrBookingConflict):
			// 预检之后被并发预订抢先，提交时被排他约束拒绝
			if series.ConflictPolicy == domain.ConflictPolicyAbort {
				// 回滚本批已提交的兄弟 occurrence
				if rbErr := e.rollbackBatch(ctx, committed); rbErr != nil {
					return nil, rbErr
				}
				return nil, fmt.Errorf("occurrence %s: %w", occ.Start.Format(time.RFC3339), domain.ErrBookingConflict)
			}
			if err := e.skipOccurrence(ctx, inst, occ, result); err != nil {
				return nil, err
			}
		default:
			return nil, err
		}
	}

	return result, nil
}

// skipOccurrence 为有冲突的 occurrence 只写一条 conflict_skipped 的
// instance 行，不创建目标记录
func (e *Engine) skipOccurrence(ctx context.Context, inst *domain.Instance, occ recurrence.Occurrence, result *materializeResult) error {
	now := time.Now().UTC()
	inst.TargetRef = nil
	inst.IsException = true
	inst.ExceptionKind = domain.ExceptionConflictSkipped
	inst.ExceptionReason = "时间段与已有预订冲突"
	inst.ExceptionAt = &now

	if err := e.store.CreateSkippedInstance(ctx, inst); err != nil {
		if errors.Is(err, domain.ErrDuplicateInstance) {
			return nil
		}
		return err
	}

	result.Skipped++
	result.SkippedOccurrences = append(result.SkippedOccurrences, SkippedOccurrence{
		Start:  occ.Start,
		End:    occ.End,
		Reason: string(domain.ExceptionConflictSkipped),
	})
	return nil
}

// previewOccurrences 对候选 occurrence 做冲突预检。
// 预检只是优化，失败时记录日志并继续，由存储层的约束兜底
func (e *Engine) previewOccurrences(ctx context.Context, series *domain.Series, occurrences []recurrence.Occurrence) []conflict.PreviewResult {
	ad, ok := e.storage.Adapter(series.TargetTable)
	if !ok {
		return nil
	}
	scope, ok := scopeKey(ad, series.Template)
	if !ok {
		return nil
	}

	candidates := make([]domain.TimeRange, len(occurrences))
	for i, occ := range occurrences {
		candidates[i] = domain.TimeRange{Start: occ.Start, End: occ.End}
	}

	preview, err := e.detector.Preview(ctx, series.TargetTable, scope, candidates)
	if err != nil {
		slog.Warn("冲突预检失败，跳过预检继续物化", "seriesID", series.ID, "error", err)
		return nil
	}
	return preview
}

// rollbackBatch 是 abort 策略下的补偿路径：逐条删除本批已提交的 instance
// 及其目标记录，使整个调用没有持久化的副作用
func (e *Engine) rollbackBatch(ctx context.Context, committed []*domain.Instance) error {
	for _, inst := range committed {
		if err := e.store.DeleteInstanceWithRecord(ctx, inst); err != nil {
			return fmt.Errorf("回滚物化批次失败: %w", err)
		}
	}
	return nil
}
