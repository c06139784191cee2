package engine

import (
	"context"
	"time"

	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/domain"
)

// Store 是引擎对持久层的依赖。生产环境由 internal/repository 的
// Postgres 实现提供，测试使用内存假实现
type Store interface {
	CreateGroup(ctx context.Context, group *domain.ScheduleGroup) error
	GetGroup(ctx context.Context, id int64) (*domain.ScheduleGroup, error)
	ListGroups(ctx context.Context) ([]*domain.ScheduleGroup, error)
	CountSeriesInGroup(ctx context.Context, groupID int64) (int, error)
	DeleteGroup(ctx context.Context, id int64) error

	CreateSeries(ctx context.Context, series *domain.Series) error
	GetSeries(ctx context.Context, id int64) (*domain.Series, error)
	ListSeriesByGroup(ctx context.Context, groupID int64) ([]*domain.Series, error)
	// ListExpandableSeries 返回所有 status 为 active、effective_until 为空
	// 且 materialized_through 早于 before 的系列
	ListExpandableSeries(ctx context.Context, before time.Time) ([]*domain.Series, error)
	UpdateSeriesStatus(ctx context.Context, id int64, status domain.SeriesStatus) error
	UpdateSeriesTemplate(ctx context.Context, id int64, template map[string]any) error
	SetMaterializedThrough(ctx context.Context, id int64, through time.Time) error
	// SplitSeries 在一个事务中拆分版本：旧版本设置 effective_until、截断后的
	// 规则和 ended 状态，插入新版本，并把 occurrence_date >= repointFrom 的
	// instance 改挂到新版本，返回被改挂的数量。事务保证 group 在任何时刻
	// 都恰好有一个当前版本
	SplitSeries(ctx context.Context, oldID int64, until time.Time, truncatedRule string, newSeries *domain.Series, repointFrom time.Time) (int64, error)
	// DeleteSeriesCascade 在一个事务中删除系列可达的全部目标记录、
	// instance 行和系列本身，避免留下孤儿目标记录
	DeleteSeriesCascade(ctx context.Context, id int64) error

	GetInstance(ctx context.Context, seriesID int64, occurrenceDate time.Time) (*domain.Instance, error)
	GetInstanceByTarget(ctx context.Context, table string, ref int64) (*domain.Instance, error)
	ListInstances(ctx context.Context, seriesID int64, until time.Time) ([]*domain.Instance, error)
	// ListSeriesInstances 返回系列的全部 instance；skipExceptions 为 true 时
	// 只返回非异常的 instance（"更新全部"的默认传播范围）
	ListSeriesInstances(ctx context.Context, seriesID int64, skipExceptions bool) ([]*domain.Instance, error)

	// CreateInstanceWithRecord 在一个事务中创建目标记录和 instance 行。
	// 排他约束冲突返回 domain.ErrBookingConflict，
	// (series_id, occurrence_date) 重复返回 domain.ErrDuplicateInstance
	CreateInstanceWithRecord(ctx context.Context, inst *domain.Instance, fields map[string]any) error
	// CreateSkippedInstance 只写 instance 行（conflict_skipped，目标引用为空）
	CreateSkippedInstance(ctx context.Context, inst *domain.Instance) error
	// DeleteInstanceWithRecord 物理删除 instance 及其目标记录，
	// 是 abort 策略下补偿回滚的路径
	DeleteInstanceWithRecord(ctx context.Context, inst *domain.Instance) error
	// CancelInstance 在一个事务中删除目标记录并把 instance 标记为 cancelled，
	// instance 行保留（目标引用置空）以供审计
	CancelInstance(ctx context.Context, inst *domain.Instance, reason, actor string) error
	// MarkRescheduled 在一个事务中更新目标记录的时间段并标记 rescheduled；
	// 首次改期时把目标记录当前的时间段保存为原始时间段
	MarkRescheduled(ctx context.Context, inst *domain.Instance, newRange domain.TimeRange, actor string) error
	// MarkModified 在一个事务中更新目标记录的字段并标记 modified
	MarkModified(ctx context.Context, inst *domain.Instance, fields map[string]any, actor string) error
}
