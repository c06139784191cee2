package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/config"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/conflict"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/domain"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/lock"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/notifier"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/permission"
	"github.com/sysu-ecnc-dev/recurring-booking/backend/internal/storage"
)

// Engine 把周期展开、冲突预检、物化、版本管理和异常追踪组合在一起。
// 所有编辑操作都通过它执行，并在执行期间持有相应系列（或 group）的锁
type Engine struct {
	cfg      *config.Config
	store    Store
	storage  storage.Collaborator
	perm     permission.Checker
	notifier notifier.Notifier
	locker   lock.Locker
	detector *conflict.Detector
}

func New(cfg *config.Config, store Store, collab storage.Collaborator, perm permission.Checker, ntf notifier.Notifier, locker lock.Locker) *Engine {
	return &Engine{
		cfg:      cfg,
		store:    store,
		storage:  collab,
		perm:     perm,
		notifier: ntf,
		locker:   locker,
		detector: conflict.NewDetector(collab),
	}
}

// PreviewConflicts 对候选时间段做只读的冲突预检
func (e *Engine) PreviewConflicts(ctx context.Context, table string, scopeKey int64, candidates []domain.TimeRange) ([]conflict.PreviewResult, error) {
	return e.detector.Preview(ctx, table, scopeKey, candidates)
}

func (e *Engine) GetSeries(ctx context.Context, id int64) (*domain.Series, error) {
	return e.store.GetSeries(ctx, id)
}

func (e *Engine) GetGroup(ctx context.Context, id int64) (*domain.ScheduleGroup, error) {
	return e.store.GetGroup(ctx, id)
}

func (e *Engine) ListGroups(ctx context.Context) ([]*domain.ScheduleGroup, error) {
	return e.store.ListGroups(ctx)
}

func (e *Engine) ListSeriesByGroup(ctx context.Context, groupID int64) ([]*domain.Series, error) {
	return e.store.ListSeriesByGroup(ctx, groupID)
}

func (e *Engine) lockTTL() time.Duration {
	return time.Duration(e.cfg.Engine.LockTTL) * time.Second
}

func seriesLockKey(seriesID int64) string {
	return fmt.Sprintf("series_%d", seriesID)
}

func groupLockKey(groupID int64) string {
	return fmt.Sprintf("group_%d", groupID)
}

// notify 投递一条通知事件。通知协作方失败绝不阻塞核心操作，只记录日志
func (e *Engine) notify(ctx context.Context, msg *domain.NotificationMessage) {
	if err := e.notifier.Publish(ctx, msg); err != nil {
		slog.Warn("通知投递失败", "type", msg.Type, "to", msg.To, "error", err)
	}
}

// pauseSeries 把系列暂停为 needs_attention 并通知所有者。
// schema 漂移和权限丢失都走这条非致命路径，调度循环不会被单个系列卡住
func (e *Engine) pauseSeries(ctx context.Context, series *domain.Series, msg *domain.NotificationMessage) error {
	if err := e.store.UpdateSeriesStatus(ctx, series.ID, domain.SeriesStatusNeedsAttention); err != nil {
		return err
	}
	e.notify(ctx, msg)
	return nil
}

// scopeKey 从模板中取出冲突检测的作用域键（例如 resource_id）。
// 模板中没有作用域字段时跳过预检，存储层的排他约束仍然兜底
func scopeKey(ad storage.TableAdapter, template map[string]any) (int64, bool) {
	v, ok := template[ad.ScopeColumn]
	if !ok {
		return 0, false
	}
	return toInt64(v)
}

// toInt64 兼容 JSON 反序列化和数据库扫描产生的各种整数表示
func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// localDate 返回时刻在指定时区的本地日期（作为 UTC 午夜存储）
func localDate(t time.Time, loc *time.Location) time.Time {
	year, month, day := t.In(loc).Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
