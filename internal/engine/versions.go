package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/domain"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/recurrence"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/storage"
)

type CreateSeriesRequest struct {
	GroupName        string
	GroupDescription string
	GroupColor       string
	OwnerUsername    string
	TargetTable      string
	Template         map[string]any
	Rule             string
	Anchor           time.Time
	DurationSeconds  int64
	Timezone         string
	ConflictPolicy   domain.ConflictPolicy
	// HorizonDays 为 0 时使用部署默认值
	HorizonDays int
}

type CreateSeriesResult struct {
	Group              *domain.ScheduleGroup `json:"group"`
	Series             *domain.Series        `json:"series"`
	Created            int                   `json:"created"`
	Skipped            int                   `json:"skipped"`
	SkippedOccurrences []SkippedOccurrence   `json:"skippedOccurrences"`
}

// CreateSeries 注册一个新的周期系列：创建 group 和版本 1 的系列，
// 并立即物化到展开边界。abort 策略下任何一次冲突都会级联清理，
// 调用返回后要么整个系列完整存在，要么什么都没有留下
func (e *Engine) CreateSeries(ctx context.Context, req *CreateSeriesRequest) (*CreateSeriesResult, error) {
	if err := recurrence.ValidateRule(req.Rule, e.cfg.Engine.AllowUnterminatedRules); err != nil {
		return nil, err
	}
	if req.DurationSeconds <= 0 {
		return nil, fmt.Errorf("持续时长必须为正")
	}
	if req.ConflictPolicy != domain.ConflictPolicySkip && req.ConflictPolicy != domain.ConflictPolicyAbort {
		return nil, fmt.Errorf("未知的冲突策略 %s", req.ConflictPolicy)
	}
	if _, err := time.LoadLocation(req.Timezone); err != nil {
		return nil, fmt.Errorf("无法加载时区 %s: %w", req.Timezone, err)
	}

	writable, err := e.storage.WritableFields(ctx, req.TargetTable)
	if err != nil {
		return nil, err
	}
	if err := storage.ValidateTemplate(req.Template, writable); err != nil {
		return nil, err
	}

	allowed, err := e.perm.CanWrite(ctx, req.OwnerUsername, req.TargetTable)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, fmt.Errorf("用户 %s 没有目标表 %s 的写权限", req.OwnerUsername, req.TargetTable)
	}

	group := &domain.ScheduleGroup{
		Name:          req.GroupName,
		Description:   req.GroupDescription,
		Color:         req.GroupColor,
		OwnerUsername: req.OwnerUsername,
	}
	if err := e.store.CreateGroup(ctx, group); err != nil {
		return nil, err
	}

	series := &domain.Series{
		GroupID:             group.ID,
		Version:             1,
		EffectiveFrom:       req.Anchor,
		TargetTable:         req.TargetTable,
		Template:            req.Template,
		Rule:                req.Rule,
		Anchor:              req.Anchor.UTC(),
		DurationSeconds:     req.DurationSeconds,
		Timezone:            req.Timezone,
		Status:              domain.SeriesStatusActive,
		ConflictPolicy:      req.ConflictPolicy,
		MaterializedThrough: req.Anchor.UTC(),
	}
	if err := e.store.CreateSeries(ctx, series); err != nil {
		return nil, err
	}

	horizonDays := req.HorizonDays
	if horizonDays <= 0 {
		horizonDays = e.cfg.Engine.DefaultHorizonDays
	}
	if horizonDays > e.cfg.Engine.MaxHorizonDays {
		horizonDays = e.cfg.Engine.MaxHorizonDays
	}
	until := time.Now().UTC().AddDate(0, 0, horizonDays)

	result, err := e.materializeRange(ctx, series, series.Anchor, until)
	if err != nil {
		// abort 策略下不留半成品：系列和 group 一并清理
		if cleanupErr := e.store.DeleteSeriesCascade(ctx, series.ID); cleanupErr != nil {
			return nil, fmt.Errorf("物化失败且清理未完成: %w", cleanupErr)
		}
		if cleanupErr := e.store.DeleteGroup(ctx, group.ID); cleanupErr != nil {
			return nil, fmt.Errorf("物化失败且清理未完成: %w", cleanupErr)
		}
		return nil, err
	}

	// 本批被单次展开上限截断时边界停在已处理的位置，尾部由后台扫描继续
	if err := e.store.SetMaterializedThrough(ctx, series.ID, result.Through); err != nil {
		return nil, err
	}
	series.MaterializedThrough = result.Through

	return &CreateSeriesResult{
		Group:              group,
		Series:             series,
		Created:            result.Created,
		Skipped:            result.Skipped,
		SkippedOccurrences: result.SkippedOccurrences,
	}, nil
}

type SplitSeriesRequest struct {
	SeriesID  int64
	SplitDate time.Time // 所在时区的本地日期（UTC 午夜）
	// NewRule 等为空时继承旧版本
	NewRule         string
	NewAnchor       *time.Time
	NewTemplate     map[string]any
	NewDuration     *int64
	PropagateFields bool // 为 true 时把新模板传播到拆分日之前的非异常 instance
}

type SplitSeriesResult struct {
	OldSeries *domain.Series `json:"oldSeries"`
	NewSeries *domain.Series `json:"newSeries"`
	Repointed int64          `json:"repointed"`
	Created   int            `json:"created"`
	Skipped   int            `json:"skipped"`
}

// SplitFromDate 实现"从此日期起生效"的编辑：旧版本在拆分日前一天结束，
// 新版本（版本号 +1）从拆分日开始生效。拆分日之后已物化的 instance 改挂到
// 新系列并按新模板重物化由调用方选择；历史 instance 不受任何影响。
//
// 只有当前版本（effective_until 为空）可以拆分，对历史版本拆分会破坏
// 生效区间互不重叠的约定
func (e *Engine) SplitFromDate(ctx context.Context, req *SplitSeriesRequest) (*SplitSeriesResult, error) {
	release, ok, err := e.locker.Acquire(ctx, seriesLockKey(req.SeriesID), e.lockTTL())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrSeriesLocked
	}
	defer release()

	old, err := e.store.GetSeries(ctx, req.SeriesID)
	if err != nil {
		return nil, err
	}
	if old.EffectiveUntil != nil {
		return nil, fmt.Errorf("只有当前版本可以拆分")
	}
	if old.Status == domain.SeriesStatusEnded {
		return nil, fmt.Errorf("已结束的系列不能拆分")
	}
	if !req.SplitDate.After(localDate(old.EffectiveFrom, time.UTC)) {
		return nil, fmt.Errorf("拆分日期必须晚于系列的生效日期")
	}

	newRule := req.NewRule
	if newRule == "" {
		newRule = old.Rule
	}
	if err := recurrence.ValidateRule(newRule, e.cfg.Engine.AllowUnterminatedRules); err != nil {
		return nil, err
	}

	newTemplate := req.NewTemplate
	if newTemplate == nil {
		newTemplate = old.Template
	}
	writable, err := e.storage.WritableFields(ctx, old.TargetTable)
	if err != nil {
		return nil, err
	}
	if err := storage.ValidateTemplate(newTemplate, writable); err != nil {
		return nil, err
	}

	// 旧版本截止到拆分日的前一天，规则同步截断保证重展开的幂等性
	oldUntil := req.SplitDate.AddDate(0, 0, -1)
	truncated, err := recurrence.TruncateRule(old.Rule, oldUntil)
	if err != nil {
		return nil, err
	}

	newSeries := &domain.Series{
		GroupID:         old.GroupID,
		Version:         old.Version + 1,
		EffectiveFrom:   req.SplitDate,
		TargetTable:     old.TargetTable,
		Template:        newTemplate,
		Rule:            newRule,
		Anchor:          old.Anchor,
		DurationSeconds: old.DurationSeconds,
		Timezone:        old.Timezone,
		Status:          domain.SeriesStatusActive,
		ConflictPolicy:  old.ConflictPolicy,
		// 已物化的区间被改挂的 instance 覆盖；重物化完成后边界再向前推进
		MaterializedThrough: req.SplitDate,
	}
	if req.NewAnchor != nil {
		newSeries.Anchor = req.NewAnchor.UTC()
	}
	if req.NewDuration != nil {
		newSeries.DurationSeconds = *req.NewDuration
	}

	// 结束旧版本、创建新版本、改挂 instance 在同一个事务中完成，
	// 中途失败不会留下没有当前版本的 group 或挂错系列的 instance
	repointed, err := e.store.SplitSeries(ctx, old.ID, oldUntil, truncated, newSeries, req.SplitDate)
	if err != nil {
		return nil, err
	}
	old.EffectiveUntil = &oldUntil
	old.Rule = truncated
	old.Status = domain.SeriesStatusEnded

	result := &SplitSeriesResult{
		OldSeries: old,
		NewSeries: newSeries,
		Repointed: repointed,
	}

	// 新模板传播到改挂过来的非异常 instance，异常 instance 保留其人工编辑
	if req.NewTemplate != nil && req.PropagateFields {
		if _, err := e.propagateTemplate(ctx, newSeries, req.NewTemplate, true); err != nil {
			return nil, err
		}
	}

	// 新版本的规则或锚点变了时，改挂的旧 occurrence 可能不再符合新规则；
	// 继续物化新规则在拆分日与旧版本已物化边界之间的部分
	if old.MaterializedThrough.After(req.SplitDate) {
		mr, err := e.materializeRange(ctx, newSeries, req.SplitDate, old.MaterializedThrough)
		if err != nil {
			return nil, err
		}
		result.Created = mr.Created
		result.Skipped = mr.Skipped
		if err := e.store.SetMaterializedThrough(ctx, newSeries.ID, mr.Through); err != nil {
			return nil, err
		}
		if mr.Through.After(newSeries.MaterializedThrough) {
			newSeries.MaterializedThrough = mr.Through
		}
	}

	return result, nil
}

// UpdateTemplate 更新系列模板并把变更传播到全部非异常 instance。
// 异常 instance（modified/rescheduled/cancelled/conflict_skipped）保持不变
func (e *Engine) UpdateTemplate(ctx context.Context, seriesID int64, newTemplate map[string]any) (int, error) {
	release, ok, err := e.locker.Acquire(ctx, seriesLockKey(seriesID), e.lockTTL())
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, domain.ErrSeriesLocked
	}
	defer release()

	series, err := e.store.GetSeries(ctx, seriesID)
	if err != nil {
		return 0, err
	}

	writable, err := e.storage.WritableFields(ctx, series.TargetTable)
	if err != nil {
		return 0, err
	}
	if err := storage.ValidateTemplate(newTemplate, writable); err != nil {
		return 0, err
	}

	if err := e.store.UpdateSeriesTemplate(ctx, seriesID, newTemplate); err != nil {
		return 0, err
	}

	return e.propagateTemplate(ctx, series, newTemplate, true)
}

// propagateTemplate 把模板字段写回 instance 的目标记录，返回更新的数量
func (e *Engine) propagateTemplate(ctx context.Context, series *domain.Series, template map[string]any, skipExceptions bool) (int, error) {
	instances, err := e.store.ListSeriesInstances(ctx, series.ID, skipExceptions)
	if err != nil {
		return 0, err
	}

	updated := 0
	for _, inst := range instances {
		if inst.TargetRef == nil {
			continue
		}
		if err := e.storage.UpdateRecord(ctx, series.TargetTable, *inst.TargetRef, template); err != nil {
			return updated, err
		}
		updated++
	}

	return updated, nil
}

// SetSeriesStatus 执行 active 和 paused 之间的人工切换；
// needs_attention 的系列修复后也从这里恢复。ended 是终态
func (e *Engine) SetSeriesStatus(ctx context.Context, seriesID int64, status domain.SeriesStatus) error {
	if status != domain.SeriesStatusActive && status != domain.SeriesStatusPaused {
		return fmt.Errorf("只能切换到 active 或 paused 状态")
	}

	series, err := e.store.GetSeries(ctx, seriesID)
	if err != nil {
		return err
	}
	if series.Status == domain.SeriesStatusEnded {
		return fmt.Errorf("已结束的系列不能改变状态")
	}

	return e.store.UpdateSeriesStatus(ctx, seriesID, status)
}

// DeleteSeries 删除一个系列及其全部 instance 和目标记录。
// 删除后 group 若已没有任何系列，group 一并删除
func (e *Engine) DeleteSeries(ctx context.Context, seriesID int64) error {
	release, ok, err := e.locker.Acquire(ctx, seriesLockKey(seriesID), e.lockTTL())
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrSeriesLocked
	}
	defer release()

	series, err := e.store.GetSeries(ctx, seriesID)
	if err != nil {
		return err
	}

	if err := e.store.DeleteSeriesCascade(ctx, seriesID); err != nil {
		return err
	}

	remaining, err := e.store.CountSeriesInGroup(ctx, series.GroupID)
	if err != nil {
		return err
	}
	if remaining == 0 {
		return e.store.DeleteGroup(ctx, series.GroupID)
	}
	return nil
}

// DeleteGroup 删除整个 group：全部版本的系列逐个级联删除。
// 用 group 级别的锁防止删除期间有并发的拆分或扩展
func (e *Engine) DeleteGroup(ctx context.Context, groupID int64) error {
	release, ok, err := e.locker.Acquire(ctx, groupLockKey(groupID), e.lockTTL())
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrSeriesLocked
	}
	defer release()

	seriesList, err := e.store.ListSeriesByGroup(ctx, groupID)
	if err != nil {
		return err
	}

	for _, series := range seriesList {
		if err := e.store.DeleteSeriesCascade(ctx, series.ID); err != nil {
			return err
		}
	}

	return e.store.DeleteGroup(ctx, groupID)
}
